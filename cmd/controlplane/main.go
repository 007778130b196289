// Command controlplane runs the multi-tenant control plane: the unit
// registry and health monitor, the authenticated proxy with its circuit
// breakers, the telemetry stores, the event bus and the order fulfilment
// choreography worker.
//
// Configuration is read from the environment once at startup. Variables of
// interest:
//   - HTTP_ADDR (default ":8080")
//   - TOKEN_STORE: memory, redis or postgres; TOKEN_STORE_ADDR is the Redis
//     address or the Postgres DSN
//   - ADMIN_JWT_SECRET: HMAC secret for admin bearer tokens; empty leaves the
//     admin routes open
//   - SIGNING_ENABLED, SIGNING_SECRET, SIGNATURE_REQUIRED: request signing
//   - TENANT_VALIDATION, TENANT_DEFAULT_RPM: tenant admission and quotas
//   - HEALTH_CHECK_INTERVAL, HEALTH_FAILURE_THRESHOLD: unit health probing
//   - CHOREOGRAPHY_ENABLED, CHOREOGRAPHY_UNIT_*: the fulfilment workflow
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mingxin1a/paas-platform-sub000/internal/admission"
	"github.com/mingxin1a/paas-platform-sub000/internal/auth"
	"github.com/mingxin1a/paas-platform-sub000/internal/breaker"
	"github.com/mingxin1a/paas-platform-sub000/internal/choreography"
	"github.com/mingxin1a/paas-platform-sub000/internal/config"
	"github.com/mingxin1a/paas-platform-sub000/internal/eventbus"
	"github.com/mingxin1a/paas-platform-sub000/internal/health"
	"github.com/mingxin1a/paas-platform-sub000/internal/httpapi"
	"github.com/mingxin1a/paas-platform-sub000/internal/logging"
	"github.com/mingxin1a/paas-platform-sub000/internal/proxy"
	"github.com/mingxin1a/paas-platform-sub000/internal/registry"
	"github.com/mingxin1a/paas-platform-sub000/internal/swagger"
	"github.com/mingxin1a/paas-platform-sub000/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New("controlplane", logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Debug("configuration loaded", "config", cfg.String())

	if err := run(cfg, log); err != nil {
		log.Error("control plane failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audit, err := logging.OpenAudit(cfg.AuditLogPath)
	if err != nil {
		return err
	}
	defer audit.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := telemetry.NewCollectors(promReg)

	tokens, err := openTokenStore(ctx, cfg.Session, log)
	if err != nil {
		return err
	}
	defer tokens.close()
	sessions := auth.NewResolver(tokens, auth.ResolverOptions{
		CacheSize:    cfg.Session.CacheSize,
		CacheTTL:     cfg.Session.CacheTTL,
		NegativeTTL:  cfg.Session.NegativeTTL,
		StoreTimeout: cfg.Session.StoreTimeout,
		DefaultTTL:   cfg.Session.DefaultTTL,
	}, log)

	reg := registry.New()
	brk := breaker.New(breaker.Settings{
		Window:           cfg.Breaker.Window,
		MinCalls:         cfg.Breaker.MinCalls,
		FailureRatio:     cfg.Breaker.FailureRatio,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
		SuccessesToClose: cfg.Breaker.SuccessesToClose,
	})
	brk.OnStateChange = func(unit string, from, to breaker.State) {
		prom.BreakerState(unit, int(to))
		log.Warn("circuit state changed", "unit", unit, "from", from.String(), "to", to.String())
	}

	grpcProber := health.NewGRPCProber()
	defer grpcProber.Close()
	monitor := health.NewMonitor(reg, health.MultiProber{
		HTTP: health.NewHTTPProber(&http.Client{Timeout: cfg.Health.Timeout}, cfg.Health.Path),
		GRPC: grpcProber,
	}, health.Options{
		Interval:         cfg.Health.Interval,
		Timeout:          cfg.Health.Timeout,
		FailureThreshold: cfg.Health.FailureThreshold,
		Concurrency:      cfg.Health.Concurrency,
	}, log)
	monitor.OnChange = func(r registry.Registration) {
		prom.UnitHealth(r.Unit, r.Healthy)
	}

	traces := telemetry.NewTraceStore(cfg.Telemetry.TraceShards, cfg.Telemetry.TraceShardCapacity, cfg.Telemetry.SpanTTL)
	metrics := telemetry.NewMetricsStore(cfg.Telemetry.MetricSamples)

	limiter := admission.NewSlidingWindow(time.Minute, time.Minute)
	defer limiter.Close()
	tenants := admission.NewDirectory()
	var quota *admission.Quota
	if cfg.Admission.TenantValidation {
		tenantLimiter := admission.NewSlidingWindow(time.Minute, time.Minute)
		defer tenantLimiter.Close()
		quota = admission.NewQuota(tenants, tenantLimiter, cfg.Admission.TenantDefaultRPM)
	}
	var signer *admission.Signer
	if cfg.Signing.Enabled {
		signer = admission.NewSigner(cfg.Signing.Secret, cfg.Signing.Window)
	}

	router := proxy.NewRouter(proxy.Deps{
		Registry: reg,
		Breaker:  brk,
		Traces:   traces,
		Metrics:  metrics,
		Prom:     prom,
		Limiter:  limiter,
		Quota:    quota,
		Sessions: sessions,
		Signer:   signer,
		Audit:    audit,
		Logger:   log,
	}, proxy.Options{
		Client: proxy.ClientOptions{
			Timeout:         cfg.Proxy.Timeout,
			Retries:         cfg.Proxy.Retries,
			BackoffInitial:  cfg.Proxy.BackoffInitial,
			BackoffMax:      cfg.Proxy.BackoffMax,
			MaxIdleConns:    cfg.Proxy.MaxIdleConns,
			MaxConnsPerHost: cfg.Proxy.MaxConnsPerHost,
		},
		IPPerMinute:         cfg.Admission.IPPerMinute,
		CredentialPerMinute: cfg.Admission.CredentialPerMinute,
		RequireSignature:    cfg.Signing.Required,
		CacheTTL:            cfg.Proxy.CacheTTL,
		CacheSize:           cfg.Proxy.CacheSize,
	})
	defer router.Close()

	notifier := eventbus.NewNotifier(log)
	defer notifier.Close()
	bus := eventbus.New(eventbus.Options{
		LogSize:    cfg.Events.LogSize,
		DLQSize:    cfg.Events.DLQSize,
		MaxRetries: cfg.Events.MaxRetries,
	}, prom, log).WithNotifier(notifier)

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug("background task finished", "task", name)
		}()
	}

	goRun("health", monitor.Run)
	if tokens.janitor != nil {
		goRun("session-janitor", tokens.janitor)
	}
	if cfg.Choreography.Enabled {
		worker := choreography.New(bus, router, choreography.Options{
			Interval: cfg.Choreography.Interval,
			Batch:    cfg.Choreography.Batch,
			Units:    cfg.Choreography.Units,
		}, prom, log)
		wake, err := notifier.Wake(ctx)
		if err != nil {
			log.Warn("event notifications unavailable, polling only", "error", err)
		} else {
			worker.WithWake(wake)
		}
		goRun("choreography", worker.Run)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Registry:    reg,
		Breaker:     brk,
		Traces:      traces,
		Metrics:     metrics,
		Router:      router,
		Bus:         bus,
		Sessions:    sessions,
		Tenants:     tenants,
		Prometheus:  promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}),
		Doc:         swagger.Document("/"),
		AdminSecret: cfg.Session.AdminSecret,
		Ready:       tokens.ping,
		Logger:      log,
	})
	if cfg.Session.AdminSecret == "" {
		log.Warn("ADMIN_JWT_SECRET is empty; admin routes are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane listening", "addr", cfg.Addr, "token_store", cfg.Session.Store)
		errorCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
		stop()
	}
	wg.Wait()
	log.Info("control plane stopped")
	return serveErr
}

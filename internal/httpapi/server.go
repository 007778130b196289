// Package httpapi exposes the control plane over HTTP: unit registration and
// discovery, telemetry ingestion and queries, the event bus, the proxy and
// the administrative endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/mingxin1a/paas-platform-sub000/internal/admission"
	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/auth"
	"github.com/mingxin1a/paas-platform-sub000/internal/breaker"
	"github.com/mingxin1a/paas-platform-sub000/internal/eventbus"
	"github.com/mingxin1a/paas-platform-sub000/internal/logging"
	"github.com/mingxin1a/paas-platform-sub000/internal/proxy"
	"github.com/mingxin1a/paas-platform-sub000/internal/registry"
	"github.com/mingxin1a/paas-platform-sub000/internal/swagger"
	"github.com/mingxin1a/paas-platform-sub000/internal/telemetry"
)

const defaultMaxBody = 10 << 20

// Forwarder runs a proxied call. *proxy.Router satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, req *proxy.Request) (*proxy.Response, error)
}

// Sessions issues and revokes bearer credentials. *auth.Resolver satisfies it.
type Sessions interface {
	Issue(ctx context.Context, p auth.Principal, ttl time.Duration) (string, auth.Principal, error)
	Revoke(ctx context.Context, token string) error
}

// Deps are the components the HTTP surface fronts.
type Deps struct {
	Registry    *registry.Registry
	Breaker     *breaker.Breaker
	Traces      *telemetry.TraceStore
	Metrics     *telemetry.MetricsStore
	Router      Forwarder
	Bus         *eventbus.Bus
	Sessions    Sessions
	Tenants     *admission.Directory
	Prometheus  http.Handler
	Doc         *openapi3.T
	AdminSecret string
	MaxBody     int64
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// Server is the root HTTP handler.
type Server struct {
	d       Deps
	mux     *http.ServeMux
	handler http.Handler
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.MaxBody <= 0 {
		d.MaxBody = defaultMaxBody
	}
	s := &Server{d: d, mux: http.NewServeMux()}
	s.routes()
	s.handler = Chain(Correlate(), AccessLog(d.Logger), CORS())(s.mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	admin := AdminOnly(s.d.AdminSecret)
	handle := func(pattern string, h http.HandlerFunc) { s.mux.Handle(pattern, h) }
	adminOnly := func(pattern string, h http.HandlerFunc) { s.mux.Handle(pattern, admin(h)) }

	handle("GET /healthz", s.healthz)
	handle("GET /readyz", s.readyz)

	adminOnly("POST /registry/register", s.register)
	adminOnly("DELETE /registry/register/{unit}", s.deregister)
	handle("GET /registry/discover/{unit}", s.discover)
	handle("GET /registry/units", s.units)

	handle("POST /ingest", s.ingest)
	handle("GET /trace", s.trace)
	handle("GET /metrics", s.metrics)
	if s.d.Prometheus != nil {
		s.mux.Handle("GET /metrics/prometheus", s.d.Prometheus)
	}

	handle("POST /events", s.publish)
	handle("GET /events", s.listEvents)
	adminOnly("GET /admin/events/dlq", s.deadLetters)

	adminOnly("POST /auth/sessions", s.issueSession)
	handle("DELETE /auth/sessions", s.revokeSession)

	adminOnly("GET /admin/tenants", s.listTenants)
	adminOnly("GET /admin/tenants/{id}", s.getTenant)
	adminOnly("PUT /admin/tenants/{id}", s.putTenant)
	adminOnly("DELETE /admin/tenants/{id}", s.deleteTenant)
	adminOnly("GET /admin/breakers", s.breakers)

	handle("/proxy/{unit}/{path...}", s.proxy)

	if s.d.Doc != nil {
		handle("GET /swagger.json", swagger.SpecHandler(s.d.Doc))
		handle("GET /swagger/", swagger.UIHandler("/swagger.json"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.CodeOf(err) == apperr.Internal {
		s.d.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	apperr.Write(w, err, requestID(r))
}

// decode reads a JSON body of at most MaxBody bytes into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.d.MaxBody))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Newf(apperr.BadRequest, "body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.BadRequest, "request body is required")
		}
		return apperr.Wrap(apperr.BadRequest, err, "request body is not valid JSON")
	}
	return nil
}

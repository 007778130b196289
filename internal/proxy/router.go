package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mingxin1a/paas-platform-sub000/internal/admission"
	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/auth"
	"github.com/mingxin1a/paas-platform-sub000/internal/breaker"
	"github.com/mingxin1a/paas-platform-sub000/internal/contract"
	"github.com/mingxin1a/paas-platform-sub000/internal/ids"
	"github.com/mingxin1a/paas-platform-sub000/internal/logging"
	"github.com/mingxin1a/paas-platform-sub000/internal/registry"
	"github.com/mingxin1a/paas-platform-sub000/internal/telemetry"
)

// Request is a call addressed to {Unit}{Path}.
type Request struct {
	Method   string
	Unit     string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	ClientIP string

	// Principal is set by trusted in-process callers. It skips the
	// credential and rate-limit gates.
	Principal *auth.Principal
}

// Response is the unit's answer, returned verbatim.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
	TraceID string
	Cached  bool
}

// SessionResolver turns bearer tokens into principals.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (auth.Principal, error)
}

// Deps are the stores and collaborators the router drives.
type Deps struct {
	Registry *registry.Registry
	Breaker  *breaker.Breaker
	Traces   *telemetry.TraceStore
	Metrics  *telemetry.MetricsStore
	Prom     *telemetry.Collectors
	Limiter  *admission.SlidingWindow
	Quota    *admission.Quota // nil disables tenant validation
	Sessions SessionResolver
	Signer   *admission.Signer // nil disables signing and verification
	Audit    *logging.AuditLog
	Logger   *slog.Logger
}

// Options tune the router's gates and its upstream client.
type Options struct {
	Client              ClientOptions
	IPPerMinute         int
	CredentialPerMinute int
	RequireSignature    bool
	CacheTTL            time.Duration
	CacheSize           int
}

// Router authenticates, admits, signs and forwards requests to units, and
// records every outcome to the breaker and telemetry stores.
type Router struct {
	deps   Deps
	opts   Options
	client *Client
	cache  *responseCache
	tracer trace.Tracer
}

func NewRouter(deps Deps, opts Options) *Router {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Router{
		deps:   deps,
		opts:   opts,
		client: NewClient(opts.Client),
		cache:  newResponseCache(opts.CacheSize, opts.CacheTTL),
		tracer: otel.Tracer("github.com/mingxin1a/paas-platform-sub000/internal/proxy"),
	}
}

// Forward runs req through every gate and, if admitted, sends it to the unit.
func (rt *Router) Forward(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Path == "" || req.Path[0] != '/' {
		req.Path = "/" + req.Path
	}
	traceID := req.Header.Get(contract.TraceID)
	if traceID == "" {
		traceID = ids.TraceID()
		req.Header.Set(contract.TraceID, traceID)
	}

	// One span id per hop: sent to the unit and stored with the span.
	spanID := ids.SpanID()

	principal, err := rt.admit(ctx, req)
	if err != nil {
		rt.recordSpan(req, traceID, spanID, apperr.CodeOf(err).HTTPStatus(), time.Since(start))
		rt.deps.Prom.Rejected(string(apperr.CodeOf(err)))
		return nil, err
	}

	resp, status, err := rt.dispatch(ctx, req, principal, traceID, spanID)
	latency := time.Since(start)
	rt.recordSpan(req, traceID, spanID, status, latency)
	if err != nil {
		if !apperr.HasCode(err, apperr.IdempotentConflict) {
			rt.deps.Prom.Rejected(string(apperr.CodeOf(err)))
		}
		return nil, err
	}
	resp.Latency = latency
	resp.TraceID = traceID
	resp.Header.Set(contract.ResponseTime, contract.Latency(latency))
	resp.Header.Set(contract.TraceID, traceID)
	return resp, nil
}

// admit applies header validation, rate limits, inbound signature checks,
// authentication and tenant admission, in that order.
func (rt *Router) admit(ctx context.Context, req *Request) (*auth.Principal, error) {
	if err := validateHeaders(req); err != nil {
		return nil, err
	}

	principal := req.Principal
	if principal == nil {
		token := contract.Bearer(req.Header)
		if rt.deps.Limiter != nil {
			if d := rt.deps.Limiter.Allow(admission.KeyForIP(req.ClientIP), rt.opts.IPPerMinute); !d.Allowed {
				return nil, rateLimited("ip", d)
			}
			if d := rt.deps.Limiter.Allow(admission.KeyForCredential(token), rt.opts.CredentialPerMinute); !d.Allowed {
				return nil, rateLimited("credential", d)
			}
		}
		if err := rt.verifyInbound(ctx, req); err != nil {
			return nil, err
		}
		if rt.deps.Sessions != nil {
			p, err := rt.deps.Sessions.Resolve(ctx, token)
			if err != nil {
				return nil, err
			}
			principal = &p
		}
	}
	if principal != nil && !principal.CanAccess(req.Unit) {
		return nil, apperr.Newf(apperr.Unauthorized, "credential may not call unit %q", req.Unit)
	}

	tenantID := req.Header.Get(contract.TenantID)
	if principal != nil && principal.TenantID != "" {
		if tenantID == "" {
			tenantID = principal.TenantID
			req.Header.Set(contract.TenantID, tenantID)
		} else if tenantID != principal.TenantID {
			return nil, apperr.Newf(apperr.TenantInvalid, "credential is not valid for tenant %q", tenantID)
		}
	}
	if rt.deps.Quota != nil {
		if err := rt.deps.Quota.Admit(tenantID); err != nil {
			return nil, err
		}
	}
	return principal, nil
}

func validateHeaders(req *Request) error {
	if len(req.Body) > 0 && req.Header.Get(contract.ContentType) == "" {
		return missingHeader(contract.ContentType)
	}
	if req.Principal == nil && contract.Bearer(req.Header) == "" {
		return missingHeader(contract.Authorization)
	}
	if contract.IsMutating(req.Method) && req.Header.Get(contract.RequestID) == "" {
		return missingHeader(contract.RequestID)
	}
	return nil
}

func missingHeader(name string) error {
	return apperr.Newf(apperr.MissingHeader, "%s header is required", name).With("header", name)
}

func rateLimited(scope string, d admission.Decision) error {
	return apperr.Newf(apperr.RateLimited, "%s rate limit of %d requests per minute exceeded", scope, d.Limit).
		With("scope", scope).
		With("retry_at", d.RetryAt.UTC().Format(time.RFC3339))
}

func (rt *Router) verifyInbound(ctx context.Context, req *Request) error {
	if rt.deps.Signer == nil {
		return nil
	}
	if req.Header.Get(contract.Signature) == "" && !rt.opts.RequireSignature {
		return nil
	}
	target := "/proxy/" + req.Unit + withQuery(req.Path, req.RawQuery)
	err := rt.deps.Signer.Verify(req.Method, target, req.Body, req.Header)
	if err != nil {
		rt.deps.Audit.Record(ctx, logging.SecurityEvent{
			Kind:      "signature_invalid",
			Reason:    err.Error(),
			RequestID: req.Header.Get(contract.RequestID),
			TenantID:  req.Header.Get(contract.TenantID),
			Unit:      req.Unit,
			ClientIP:  req.ClientIP,
		})
	}
	return err
}

// dispatch covers the breaker, discovery, cache and upstream call. The
// returned status is what the span records.
func (rt *Router) dispatch(ctx context.Context, req *Request, principal *auth.Principal, traceID, spanID string) (*Response, int, error) {
	ctx, span := rt.tracer.Start(ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("controlplane.unit", req.Unit),
			attribute.String("controlplane.trace_id", traceID),
			attribute.String("controlplane.span_id", spanID),
			attribute.String("http.request.method", req.Method),
		))
	defer span.End()

	resp, status, err := rt.dispatchInner(ctx, req, principal, spanID)
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	}
	return resp, status, err
}

func (rt *Router) dispatchInner(ctx context.Context, req *Request, principal *auth.Principal, spanID string) (*Response, int, error) {
	unit := req.Unit
	if !rt.deps.Breaker.Allow(unit) {
		err := apperr.Newf(apperr.CircuitOpen, "circuit for unit %q is open", unit)
		return nil, apperr.CircuitOpen.HTTPStatus(), err
	}
	address, ok := rt.deps.Registry.Discover(unit)
	if !ok {
		rt.deps.Breaker.Release(unit)
		err := apperr.Newf(apperr.UnitUnavailable, "unit %q has no healthy registration", unit)
		return nil, apperr.UnitUnavailable.HTTPStatus(), err
	}
	// gRPC units are health-probed only; the client speaks HTTP.
	if !isHTTPAddress(address) {
		rt.deps.Breaker.Release(unit)
		err := apperr.Newf(apperr.UnitUnavailable, "unit %q is registered at %s and cannot be proxied over HTTP", unit, address).
			With("unit", unit)
		return nil, apperr.UnitUnavailable.HTTPStatus(), err
	}

	acceptGzip := strings.Contains(req.Header.Get(contract.AcceptEncoding), "gzip")
	key := ""
	if cacheable(req.Method) {
		key = cacheKey(req.Header.Get(contract.TenantID), unit, req.Method, req.Path, req.RawQuery)
		if hit, ok := rt.cache.get(key); ok {
			rt.deps.Breaker.Release(unit)
			resp, err := rt.toResponse(hit, acceptGzip, true)
			if err != nil {
				return nil, http.StatusBadGateway, err
			}
			return resp, resp.Status, nil
		}
	}

	header := rt.outboundHeader(req, principal, spanID)
	target := withQuery(req.Path, req.RawQuery)
	if rt.deps.Signer != nil {
		rt.deps.Signer.Sign(req.Method, target, req.Body, header)
	}

	callStart := time.Now()
	up, attempts, err := rt.client.Do(ctx, req.Method, address+target, header, req.Body, func(resp *upstreamResponse, err error) {
		rt.deps.Breaker.Record(unit, err == nil && resp.Status < 500)
	})
	callLatency := time.Since(callStart)

	if err != nil {
		status := http.StatusBadGateway
		uerr := apperr.Newf(apperr.UnitUnreachable, "unit %q failed after %d attempt(s)", unit, attempts).
			With("attempts", attempts)
		var se statusError
		if errors.As(err, &se) {
			status = se.status
			uerr = uerr.With("upstream_status", se.status)
		}
		uerr.Err = err
		rt.deps.Metrics.Record(unit, false, callLatency)
		rt.deps.Prom.ObserveForward(unit, status, callLatency)
		rt.deps.Logger.Warn("unit unreachable", "unit", unit, "attempts", attempts, "err", err)
		return nil, status, uerr
	}

	rt.deps.Metrics.Record(unit, up.Status < 500, callLatency)
	rt.deps.Prom.ObserveForward(unit, up.Status, callLatency)

	if strings.EqualFold(up.Header.Get(contract.IdempotentConflict), "true") {
		return nil, up.Status, apperr.Newf(apperr.IdempotentConflict, "unit %q already processed request %q", unit, req.Header.Get(contract.RequestID))
	}
	if key != "" {
		rt.cache.put(key, up)
	}
	resp, err := rt.toResponse(up, acceptGzip, false)
	if err != nil {
		return nil, http.StatusBadGateway, err
	}
	if key != "" {
		resp.Header.Set(contract.Cache, "MISS")
	}
	return resp, resp.Status, nil
}

func (rt *Router) outboundHeader(req *Request, principal *auth.Principal, spanID string) http.Header {
	h := http.Header{}
	contract.CopyEndToEnd(h, req.Header)
	for _, name := range []string{contract.Authorization, contract.Signature, contract.SignatureTimestamp, contract.UserID, contract.UserRole} {
		h.Del(name)
	}
	if principal != nil {
		h.Set(contract.UserID, principal.UserID)
		if principal.Role != "" {
			h.Set(contract.UserRole, principal.Role)
		}
	}
	h.Set(contract.SpanID, spanID)
	h.Set(contract.AcceptEncoding, "gzip")
	if req.ClientIP != "" {
		h.Set(contract.ForwardedFor, req.ClientIP)
	}
	return h
}

// toResponse copies an upstream answer, decoding gzip when the caller did not ask for it.
func (rt *Router) toResponse(up *upstreamResponse, acceptGzip, cached bool) (*Response, error) {
	h := http.Header{}
	contract.CopyEndToEnd(h, up.Header)
	body := up.Body
	if strings.EqualFold(h.Get(contract.ContentEncoding), "gzip") && !acceptGzip && len(body) > 0 {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, apperr.Wrap(apperr.UnitUnreachable, err, "unit sent a corrupt gzip body")
		}
		decoded, err := io.ReadAll(io.LimitReader(zr, maxUpstreamBody))
		zr.Close()
		if err != nil {
			return nil, apperr.Wrap(apperr.UnitUnreachable, err, "unit sent a corrupt gzip body")
		}
		body = decoded
		h.Del(contract.ContentEncoding)
		h.Del("Content-Length")
	}
	if cached {
		h.Set(contract.Cache, "HIT")
	}
	return &Response{Status: up.Status, Header: h, Body: body, Cached: cached}, nil
}

func (rt *Router) recordSpan(req *Request, traceID, spanID string, status int, latency time.Duration) {
	err := rt.deps.Traces.Add(telemetry.Span{
		TraceID:    traceID,
		SpanID:     spanID,
		Unit:       req.Unit,
		Path:       req.Path,
		Method:     req.Method,
		Status:     status,
		DurationMS: float64(latency) / float64(time.Millisecond),
	})
	if err != nil {
		rt.deps.Logger.Debug("span dropped", "unit", req.Unit, "err", err)
	}
}

// CacheLen reports the number of cached responses.
func (rt *Router) CacheLen() int { return rt.cache.len() }

// Close releases idle upstream connections.
func (rt *Router) Close() { rt.client.CloseIdle() }

func isHTTPAddress(address string) bool {
	a := strings.ToLower(address)
	return strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://")
}

func withQuery(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

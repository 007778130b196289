package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingxin1a/paas-platform-sub000/internal/admission"
	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/auth"
	"github.com/mingxin1a/paas-platform-sub000/internal/breaker"
	"github.com/mingxin1a/paas-platform-sub000/internal/contract"
	"github.com/mingxin1a/paas-platform-sub000/internal/logging"
	"github.com/mingxin1a/paas-platform-sub000/internal/registry"
	"github.com/mingxin1a/paas-platform-sub000/internal/telemetry"
)

type fixture struct {
	rt       *Router
	registry *registry.Registry
	breaker  *breaker.Breaker
	traces   *telemetry.TraceStore
	metrics  *telemetry.MetricsStore
	tenants  *admission.Directory
	audit    *bytes.Buffer
	token    string
}

type fixtureOption func(*Deps, *Options)

func newFixture(t *testing.T, fopts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		registry: registry.New(),
		breaker:  breaker.New(breaker.DefaultSettings()),
		traces:   telemetry.NewTraceStore(4, 64, time.Minute),
		metrics:  telemetry.NewMetricsStore(128),
		tenants:  admission.NewDirectory(),
		audit:    &bytes.Buffer{},
	}
	_, err := f.tenants.Put(admission.Tenant{ID: "acme"})
	require.NoError(t, err)

	limiter := admission.NewSlidingWindow(time.Minute, 0)
	t.Cleanup(limiter.Close)
	sessions := auth.NewResolver(auth.NewMemoryStore(), auth.ResolverOptions{CacheSize: 16, CacheTTL: time.Minute, NegativeTTL: time.Minute}, logging.Discard())
	f.token, _, err = sessions.Issue(context.Background(), auth.Principal{UserID: "u-1", Role: "operator", TenantID: "acme"}, time.Hour)
	require.NoError(t, err)

	deps := Deps{
		Registry: f.registry,
		Breaker:  f.breaker,
		Traces:   f.traces,
		Metrics:  f.metrics,
		Prom:     telemetry.NewCollectors(prometheus.NewRegistry()),
		Limiter:  limiter,
		Quota:    admission.NewQuota(f.tenants, limiter, 0),
		Sessions: sessions,
		Audit:    logging.NewAudit(f.audit),
		Logger:   logging.Discard(),
	}
	opts := Options{
		Client: ClientOptions{
			Timeout:        2 * time.Second,
			Retries:        2,
			BackoffInitial: time.Millisecond,
			BackoffMax:     2 * time.Millisecond,
		},
	}
	for _, fo := range fopts {
		fo(&deps, &opts)
	}
	f.rt = NewRouter(deps, opts)
	t.Cleanup(f.rt.Close)
	return f
}

// unit starts a fake unit and registers it under name.
func (f *fixture) unit(t *testing.T, name string, h http.HandlerFunc) *atomic.Int32 {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	_, err := f.registry.Register(name, srv.URL)
	require.NoError(t, err)
	return hits
}

func (f *fixture) get(path string) *Request {
	h := http.Header{}
	h.Set(contract.Authorization, "Bearer "+f.token)
	return &Request{Method: http.MethodGet, Unit: "erp", Path: path, Header: h, ClientIP: "10.0.0.1"}
}

func (f *fixture) post(path, body string) *Request {
	req := f.get(path)
	req.Method = http.MethodPost
	req.Body = []byte(body)
	req.Header.Set(contract.ContentType, "application/json")
	req.Header.Set(contract.RequestID, "req-1")
	return req
}

func ok(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(contract.ContentType, "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func appErr(t *testing.T, err error) *apperr.Error {
	t.Helper()
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae), "expected *apperr.Error, got %v", err)
	return ae
}

func TestForwardReturnsUnitAnswer(t *testing.T) {
	f := newFixture(t)
	var seen http.Header
	f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		ok(`{"id":"o-1"}`)(w, r)
	})

	req := f.get("/orders/o-1")
	req.Header.Set(contract.TraceID, "trace-abc")
	resp, err := f.rt.Forward(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":"o-1"}`, string(resp.Body))
	assert.Equal(t, "trace-abc", resp.TraceID)
	assert.Equal(t, "trace-abc", resp.Header.Get(contract.TraceID))
	assert.Regexp(t, `^\d+\.\d{2}ms$`, resp.Header.Get(contract.ResponseTime))

	assert.Empty(t, seen.Get(contract.Authorization))
	assert.Equal(t, "u-1", seen.Get(contract.UserID))
	assert.Equal(t, "operator", seen.Get(contract.UserRole))
	assert.Equal(t, "acme", seen.Get(contract.TenantID))
	assert.Equal(t, "trace-abc", seen.Get(contract.TraceID))
	assert.Equal(t, "10.0.0.1", seen.Get(contract.ForwardedFor))
	assert.Len(t, seen.Get(contract.SpanID), 16)

	spans := f.traces.Get("trace-abc")
	require.Len(t, spans, 1)
	assert.Equal(t, "erp", spans[0].Unit)
	assert.Equal(t, http.StatusOK, spans[0].Status)
	assert.Equal(t, seen.Get(contract.SpanID), spans[0].SpanID, "the unit sees the span id of its hop")

	red, found := f.metrics.Snapshot("erp")
	require.True(t, found)
	assert.Equal(t, int64(1), red.RequestTotal)
	assert.Equal(t, 1.0, red.SuccessRate)
}

func TestForwardGeneratesTraceID(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "erp", ok(`{}`))

	resp, err := f.rt.Forward(context.Background(), f.get("/orders"))
	require.NoError(t, err)
	assert.Len(t, resp.TraceID, 32)
	assert.Len(t, f.traces.Get(resp.TraceID), 1)
}

func TestMissingHeaders(t *testing.T) {
	f := newFixture(t)
	hits := f.unit(t, "erp", ok(`{}`))

	noType := f.post("/orders", `{}`)
	noType.Header.Del(contract.ContentType)
	noAuth := f.get("/orders")
	noAuth.Header.Del(contract.Authorization)
	noReqID := f.post("/orders", `{}`)
	noReqID.Header.Del(contract.RequestID)

	cases := map[string]struct {
		req    *Request
		header string
	}{
		"content type":  {noType, contract.ContentType},
		"authorization": {noAuth, contract.Authorization},
		"request id":    {noReqID, contract.RequestID},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.rt.Forward(context.Background(), tc.req)
			ae := appErr(t, err)
			assert.Equal(t, apperr.MissingHeader, ae.Code)
			assert.Equal(t, tc.header, ae.Details["header"])
		})
	}
	assert.Zero(t, hits.Load())
}

func TestAdmissionRejectionRecordsSpan(t *testing.T) {
	f := newFixture(t)
	hits := f.unit(t, "erp", ok(`{}`))

	req := f.get("/orders")
	req.Header.Del(contract.Authorization)
	req.Header.Set(contract.TraceID, "trace-rejected")
	_, err := f.rt.Forward(context.Background(), req)
	require.True(t, apperr.HasCode(err, apperr.MissingHeader))
	assert.Zero(t, hits.Load())

	spans := f.traces.Get("trace-rejected")
	require.Len(t, spans, 1)
	assert.Equal(t, "erp", spans[0].Unit)
	assert.Equal(t, http.StatusBadRequest, spans[0].Status)
	assert.Len(t, spans[0].SpanID, 16)
	_, found := f.metrics.Snapshot("erp")
	assert.False(t, found)
}

func TestUnknownCredentialUnauthorized(t *testing.T) {
	f := newFixture(t)
	hits := f.unit(t, "erp", ok(`{}`))

	req := f.get("/orders")
	req.Header.Set(contract.Authorization, "Bearer bogus")
	_, err := f.rt.Forward(context.Background(), req)
	assert.True(t, apperr.HasCode(err, apperr.Unauthorized))
	assert.Zero(t, hits.Load())
}

func TestPrincipalRestrictedToUnits(t *testing.T) {
	f := newFixture(t)
	hits := f.unit(t, "fms", ok(`{}`))

	req := &Request{
		Method:    http.MethodGet,
		Unit:      "fms",
		Path:      "/receivables",
		Principal: &auth.Principal{UserID: "u-9", TenantID: "acme", AllowedUnits: []string{"erp"}},
	}
	_, err := f.rt.Forward(context.Background(), req)
	assert.True(t, apperr.HasCode(err, apperr.Unauthorized))
	assert.Zero(t, hits.Load())
}

func TestTenantMismatchRejected(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "erp", ok(`{}`))

	req := f.get("/orders")
	req.Header.Set(contract.TenantID, "globex")
	_, err := f.rt.Forward(context.Background(), req)
	assert.True(t, apperr.HasCode(err, apperr.TenantInvalid))
}

func TestDisabledTenantRejected(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "erp", ok(`{}`))
	_, err := f.tenants.Put(admission.Tenant{ID: "acme", Status: admission.TenantDisabled})
	require.NoError(t, err)

	_, err = f.rt.Forward(context.Background(), f.get("/orders"))
	assert.True(t, apperr.HasCode(err, apperr.TenantInvalid))
}

func TestTenantQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	hits := f.unit(t, "erp", ok(`{}`))
	_, err := f.tenants.Put(admission.Tenant{ID: "acme", RequestsPerMinute: admission.RPM(1)})
	require.NoError(t, err)

	_, err = f.rt.Forward(context.Background(), f.get("/orders"))
	require.NoError(t, err)
	_, err = f.rt.Forward(context.Background(), f.get("/orders"))
	assert.True(t, apperr.HasCode(err, apperr.QuotaExceeded))
	assert.Equal(t, int32(1), hits.Load())
}

func TestIPRateLimit(t *testing.T) {
	f := newFixture(t, func(_ *Deps, o *Options) { o.IPPerMinute = 2 })
	f.unit(t, "erp", ok(`{}`))

	for i := 0; i < 2; i++ {
		_, err := f.rt.Forward(context.Background(), f.get("/orders"))
		require.NoError(t, err)
	}
	_, err := f.rt.Forward(context.Background(), f.get("/orders"))
	ae := appErr(t, err)
	assert.Equal(t, apperr.RateLimited, ae.Code)
	assert.Equal(t, "ip", ae.Details["scope"])
}

func TestOpenCircuitSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	hits := f.unit(t, "erp", ok(`{}`))
	f.breaker.Record("erp", false)
	f.breaker.Record("erp", false)
	require.Equal(t, breaker.Open, f.breaker.State("erp"))

	req := f.get("/orders")
	_, err := f.rt.Forward(context.Background(), req)
	assert.True(t, apperr.HasCode(err, apperr.CircuitOpen))
	assert.Zero(t, hits.Load())

	spans := f.traces.Get(req.Header.Get(contract.TraceID))
	require.Len(t, spans, 1)
	assert.Equal(t, http.StatusServiceUnavailable, spans[0].Status)
	_, found := f.metrics.Snapshot("erp")
	assert.False(t, found, "calls that never left the router are not in RED metrics")
}

func TestUnregisteredUnitUnavailable(t *testing.T) {
	f := newFixture(t)
	_, err := f.rt.Forward(context.Background(), f.get("/orders"))
	assert.True(t, apperr.HasCode(err, apperr.UnitUnavailable))
	assert.Equal(t, breaker.Closed, f.breaker.State("erp"))
}

func TestUnhealthyUnitUnavailable(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "erp", ok(`{}`))
	f.registry.ReportProbe("erp", false, time.Now(), 1)

	_, err := f.rt.Forward(context.Background(), f.get("/orders"))
	assert.True(t, apperr.HasCode(err, apperr.UnitUnavailable))
}

func TestGRPCUnitNotProxied(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Register("erp", "grpc://erp:9090")
	require.NoError(t, err)

	_, err = f.rt.Forward(context.Background(), f.get("/orders"))
	ae := appErr(t, err)
	assert.Equal(t, apperr.UnitUnavailable, ae.Code)
	assert.Equal(t, "erp", ae.Details["unit"])
	assert.Equal(t, breaker.Closed, f.breaker.State("erp"))
	_, found := f.metrics.Snapshot("erp")
	assert.False(t, found)
}

func TestRetriesExhaustedOpenBreaker(t *testing.T) {
	f := newFixture(t)
	hits := f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := f.rt.Forward(context.Background(), f.get("/orders"))
	ae := appErr(t, err)
	assert.Equal(t, apperr.UnitUnreachable, ae.Code)
	assert.Equal(t, 3, ae.Details["attempts"])
	assert.Equal(t, http.StatusInternalServerError, ae.Details["upstream_status"])
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, breaker.Open, f.breaker.State("erp"))

	red, found := f.metrics.Snapshot("erp")
	require.True(t, found)
	assert.Equal(t, int64(1), red.RequestTotal)
	assert.Zero(t, red.SuccessTotal)
}

func TestRetryRecoversOnSecondAttempt(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ok(`{"ok":true}`)(w, r)
	})

	resp, err := f.rt.Forward(context.Background(), f.get("/orders"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPostIsNotRetried(t *testing.T) {
	f := newFixture(t)
	hits := f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := f.rt.Forward(context.Background(), f.post("/orders", `{"sku":"a"}`))
	ae := appErr(t, err)
	assert.Equal(t, apperr.UnitUnreachable, ae.Code)
	assert.Equal(t, 1, ae.Details["attempts"])
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"no such order"}`)
	})

	resp, err := f.rt.Forward(context.Background(), f.get("/orders/x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, breaker.Closed, f.breaker.State("erp"))
}

func TestGetResponsesCached(t *testing.T) {
	f := newFixture(t, func(_ *Deps, o *Options) {
		o.CacheSize = 16
		o.CacheTTL = time.Minute
	})
	hits := f.unit(t, "erp", ok(`{"n":1}`))

	first, err := f.rt.Forward(context.Background(), f.get("/orders?page=1"))
	require.NoError(t, err)
	assert.Equal(t, "MISS", first.Header.Get(contract.Cache))

	second, err := f.rt.Forward(context.Background(), f.get("/orders?page=1"))
	require.NoError(t, err)
	assert.Equal(t, "HIT", second.Header.Get(contract.Cache))
	assert.True(t, second.Cached)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, f.rt.CacheLen())

	_, err = f.rt.Forward(context.Background(), f.post("/orders", `{}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, f.rt.CacheLen())
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestGzipDecodedForPlainCallers(t *testing.T) {
	f := newFixture(t)
	payload := gzipped(t, `{"big":"payload"}`)
	var sentEncoding string
	f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		sentEncoding = r.Header.Get(contract.AcceptEncoding)
		w.Header().Set(contract.ContentEncoding, "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	})

	plain, err := f.rt.Forward(context.Background(), f.get("/orders"))
	require.NoError(t, err)
	assert.Equal(t, "gzip", sentEncoding)
	assert.JSONEq(t, `{"big":"payload"}`, string(plain.Body))
	assert.Empty(t, plain.Header.Get(contract.ContentEncoding))

	req := f.get("/orders")
	req.Header.Set(contract.AcceptEncoding, "gzip, deflate")
	raw, err := f.rt.Forward(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gzip", raw.Header.Get(contract.ContentEncoding))
	assert.Equal(t, payload, raw.Body)
}

func TestIdempotentConflictSurfaced(t *testing.T) {
	f := newFixture(t)
	f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(contract.IdempotentConflict, "true")
		w.WriteHeader(http.StatusConflict)
	})

	_, err := f.rt.Forward(context.Background(), f.post("/orders", `{}`))
	assert.True(t, apperr.HasCode(err, apperr.IdempotentConflict))
	assert.Equal(t, breaker.Closed, f.breaker.State("erp"))
}

func TestOutboundRequestsSigned(t *testing.T) {
	signer := admission.NewSigner("shared", time.Minute)
	verifier := admission.NewSigner("shared", time.Minute)
	f := newFixture(t, func(d *Deps, _ *Options) { d.Signer = signer })

	var verr error
	f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verr = verifier.Verify(r.Method, r.URL.RequestURI(), body, r.Header)
		ok(`{}`)(w, r)
	})

	_, err := f.rt.Forward(context.Background(), f.post("/orders?dry=1", `{"sku":"a"}`))
	require.NoError(t, err)
	assert.NoError(t, verr)
}

func TestInboundSignatureInvalidAudited(t *testing.T) {
	f := newFixture(t, func(d *Deps, _ *Options) { d.Signer = admission.NewSigner("shared", time.Minute) })
	hits := f.unit(t, "erp", ok(`{}`))

	req := f.post("/orders", `{}`)
	req.Header.Set(contract.Signature, "deadbeef")
	req.Header.Set(contract.SignatureTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	_, err := f.rt.Forward(context.Background(), req)
	assert.True(t, apperr.HasCode(err, apperr.SignatureInvalid))
	assert.Zero(t, hits.Load())
	assert.Contains(t, f.audit.String(), "signature_invalid")
	assert.Contains(t, f.audit.String(), "req-1")
}

func TestInboundSignatureRequired(t *testing.T) {
	f := newFixture(t, func(d *Deps, o *Options) {
		d.Signer = admission.NewSigner("shared", time.Minute)
		o.RequireSignature = true
	})
	f.unit(t, "erp", ok(`{}`))

	_, err := f.rt.Forward(context.Background(), f.get("/orders"))
	assert.True(t, apperr.HasCode(err, apperr.SignatureInvalid))
}

func TestTrustedPrincipalSkipsCredential(t *testing.T) {
	f := newFixture(t, func(_ *Deps, o *Options) { o.IPPerMinute = 1 })
	var user string
	f.unit(t, "erp", func(w http.ResponseWriter, r *http.Request) {
		user = r.Header.Get(contract.UserID)
		ok(`{}`)(w, r)
	})

	for i := 0; i < 3; i++ {
		h := http.Header{}
		h.Set(contract.RequestID, "evt-1:step")
		h.Set(contract.ContentType, "application/json")
		req := &Request{
			Method:    http.MethodPatch,
			Unit:      "erp",
			Path:      "orders/o-1/status",
			Header:    h,
			Body:      []byte(`{"status":"shipped"}`),
			Principal: &auth.Principal{UserID: "choreography", Role: "system", TenantID: "acme"},
		}
		_, err := f.rt.Forward(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, "choreography", user)
}

package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/auth"
	"github.com/mingxin1a/paas-platform-sub000/internal/contract"
	"github.com/mingxin1a/paas-platform-sub000/internal/ids"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares, applied right-to-left so the first one listed
// runs first.
func Chain(mw ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(mw) - 1; i >= 0; i-- {
			h = mw[i](h)
		}
		return h
	}
}

type ctxKey int

const requestIDKey ctxKey = iota

// requestID returns the caller's X-Request-ID or the id generated for this request.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return r.Header.Get(contract.RequestID)
}

// Correlate echoes the caller's X-Request-ID, or a generated one, on the
// response. The inbound header is left untouched so the router still sees
// whether the caller sent one.
func Correlate() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(contract.RequestID)
			if id == "" {
				id = ids.RequestID()
			}
			w.Header().Set(contract.RequestID, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// AccessLog logs one line per request and turns handler panics into 500s.
func AccessLog(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panicked", "method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(p))
					apperr.Write(rec, apperr.New(apperr.Internal, "internal error"), requestID(r))
				}
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"duration_ms", float64(time.Since(start).Microseconds())/1000,
					"request_id", requestID(r),
				)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// CORS sets permissive CORS headers and answers preflight requests.
func CORS() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-Request-ID, X-Trace-ID, X-Signature, X-Signature-Timestamp")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, X-Response-Time, X-Cache")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminOnly requires an HS256 admin JWT signed with secret. An empty secret
// leaves the routes open for local development.
func AdminOnly(secret string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			tok := contract.Bearer(r.Header)
			if tok == "" {
				apperr.Write(w, apperr.New(apperr.Unauthorized, "admin token required"), requestID(r))
				return
			}
			if _, err := auth.ParseAdminToken(secret, tok); err != nil {
				apperr.Write(w, apperr.Wrap(apperr.Unauthorized, err, "admin token rejected"), requestID(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Package contract holds the header contract shared by the router, the
// choreography worker and the units behind them.
package contract

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	Authorization      = "Authorization"
	ContentType        = "Content-Type"
	AcceptEncoding     = "Accept-Encoding"
	ContentEncoding    = "Content-Encoding"
	TenantID           = "X-Tenant-ID"
	RequestID          = "X-Request-ID"
	TraceID            = "X-Trace-ID"
	SpanID             = "X-Span-ID"
	Signature          = "X-Signature"
	SignatureTimestamp = "X-Signature-Timestamp"
	ResponseTime       = "X-Response-Time"
	IdempotentConflict = "X-Idempotent-Conflict"
	Cache              = "X-Cache"
	ForwardedFor       = "X-Forwarded-For"
	UserID             = "X-User-ID"
	UserRole           = "X-User-Role"
)

// Correlation is the set of identifiers threaded through every hop.
type Correlation struct {
	RequestID string
	TenantID  string
	TraceID   string
}

// ReadCorrelation pulls the correlation identifiers from h.
func ReadCorrelation(h http.Header) Correlation {
	return Correlation{
		RequestID: h.Get(RequestID),
		TenantID:  h.Get(TenantID),
		TraceID:   h.Get(TraceID),
	}
}

// Apply writes the non-empty identifiers onto h.
func (c Correlation) Apply(h http.Header) {
	if c.RequestID != "" {
		h.Set(RequestID, c.RequestID)
	}
	if c.TenantID != "" {
		h.Set(TenantID, c.TenantID)
	}
	if c.TraceID != "" {
		h.Set(TraceID, c.TraceID)
	}
}

// SignedHeaders lists the headers covered by the request signature, in order.
var SignedHeaders = []string{RequestID, TenantID, TraceID}

// Bearer extracts the token of an "Authorization: Bearer <token>" header.
func Bearer(h http.Header) string {
	v := h.Get(Authorization)
	if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

// IsMutating reports whether method changes state and therefore needs a request id.
func IsMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// IsIdempotent reports whether a request with method may be retried safely.
func IsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// hopByHop headers are never copied between hops.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// IsHopByHop reports whether name is a hop-by-hop header.
func IsHopByHop(name string) bool {
	return hopByHop[http.CanonicalHeaderKey(name)]
}

// CopyEndToEnd copies every end-to-end header from src into dst.
func CopyEndToEnd(dst, src http.Header) {
	for k, vs := range src {
		if IsHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// Latency formats d for the X-Response-Time header, e.g. "12.34ms".
func Latency(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64) + "ms"
}

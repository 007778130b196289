package contract

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBearer(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, Bearer(h))

	h.Set(Authorization, "bearer abc.def")
	assert.Equal(t, "abc.def", Bearer(h))

	h.Set(Authorization, "Basic dXNlcjpwYXNz")
	assert.Empty(t, Bearer(h))
}

func TestCorrelationRoundTrip(t *testing.T) {
	src := http.Header{}
	src.Set(RequestID, "req-1")
	src.Set(TraceID, "trace-1")

	c := ReadCorrelation(src)
	assert.Equal(t, Correlation{RequestID: "req-1", TraceID: "trace-1"}, c)

	dst := http.Header{}
	c.Apply(dst)
	assert.Equal(t, "req-1", dst.Get(RequestID))
	assert.Empty(t, dst.Values(TenantID))
}

func TestVerbClasses(t *testing.T) {
	assert.True(t, IsMutating(http.MethodPatch))
	assert.False(t, IsMutating(http.MethodGet))
	assert.True(t, IsIdempotent(http.MethodPut))
	assert.False(t, IsIdempotent(http.MethodPost))
	assert.False(t, IsIdempotent(http.MethodPatch))
}

func TestCopyEndToEndSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "close")
	src.Set("Transfer-Encoding", "chunked")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")

	dst := http.Header{}
	CopyEndToEnd(dst, src)
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
	assert.Equal(t, []string{"a=1", "b=2"}, dst.Values("Set-Cookie"))
}

func TestLatency(t *testing.T) {
	assert.Equal(t, "12.35ms", Latency(12345678*time.Nanosecond))
	assert.Equal(t, "0.00ms", Latency(0))
}

package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventIDsSortInCreationOrder(t *testing.T) {
	prev := EventID()
	for i := 0; i < 100; i++ {
		next := EventID()
		assert.Len(t, next, 26)
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestTraceAndSpanIDLengths(t *testing.T) {
	assert.Len(t, TraceID(), 32)
	assert.Len(t, SpanID(), 16)
	assert.NotEqual(t, RequestID(), RequestID())
}

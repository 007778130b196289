package ids

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// EventID returns a time-sortable ULID encoded as a 26-character string.
func EventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// RequestID returns a random UUID for request correlation.
func RequestID() string { return uuid.NewString() }

// TraceID returns a 32 hex character trace identifier.
func TraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// SpanID returns a 16 hex character span identifier.
func SpanID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}

package telemetry

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

var ErrInvalidSpan = errors.New("telemetry: trace_id and unit are required")

// Span is one hop of a distributed request.
type Span struct {
	TraceID    string    `json:"trace_id"`
	SpanID     string    `json:"span_id"`
	Unit       string    `json:"unit"`
	Path       string    `json:"path"`
	Method     string    `json:"method,omitempty"`
	Status     int       `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

type traceEntry struct {
	spans []Span
}

type traceShard struct {
	mu     sync.Mutex
	traces map[string]*traceEntry
	order  []string // trace ids, oldest first
}

// TraceStore keeps recent spans grouped by trace id. Traces are spread over
// independently locked shards; each shard holds at most capacity traces and
// drops spans older than ttl.
type TraceStore struct {
	shards   []*traceShard
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func NewTraceStore(shards, capacity int, ttl time.Duration) *TraceStore {
	if shards < 1 {
		shards = 16
	}
	if capacity < 1 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	s := &TraceStore{shards: make([]*traceShard, shards), capacity: capacity, ttl: ttl, now: time.Now}
	for i := range s.shards {
		s.shards[i] = &traceShard{traces: map[string]*traceEntry{}}
	}
	return s
}

// WithClock replaces the time source. Intended for tests.
func (s *TraceStore) WithClock(now func() time.Time) *TraceStore {
	s.now = now
	return s
}

func (s *TraceStore) shardFor(traceID string) *traceShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(traceID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Add records span. A zero timestamp is stamped with the current time.
func (s *TraceStore) Add(span Span) error {
	if span.TraceID == "" || span.Unit == "" {
		return ErrInvalidSpan
	}
	now := s.now()
	if span.Timestamp.IsZero() {
		span.Timestamp = now
	}
	sh := s.shardFor(span.TraceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.traces[span.TraceID]
	if !ok {
		entry = &traceEntry{}
		sh.traces[span.TraceID] = entry
		sh.order = append(sh.order, span.TraceID)
	}
	entry.spans = append(pruneSpans(entry.spans, now.Add(-s.ttl)), span)

	for len(sh.order) > s.capacity {
		oldest := sh.order[0]
		sh.order = sh.order[1:]
		delete(sh.traces, oldest)
	}
	return nil
}

// Get returns the live spans of traceID ordered by timestamp.
func (s *TraceStore) Get(traceID string) []Span {
	sh := s.shardFor(traceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.traces[traceID]
	if !ok {
		return nil
	}
	entry.spans = pruneSpans(entry.spans, s.now().Add(-s.ttl))
	if len(entry.spans) == 0 {
		delete(sh.traces, traceID)
		sh.order = removeID(sh.order, traceID)
		return nil
	}
	out := make([]Span, len(entry.spans))
	copy(out, entry.spans)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Len returns the number of traces currently held.
func (s *TraceStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.traces)
		sh.mu.Unlock()
	}
	return n
}

func pruneSpans(spans []Span, cutoff time.Time) []Span {
	kept := spans[:0]
	for _, sp := range spans {
		if !sp.Timestamp.Before(cutoff) {
			kept = append(kept, sp)
		}
	}
	return kept
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

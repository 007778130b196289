// Package eventbus is the control plane's at-least-once event log. Events are
// accepted idempotently by id, kept in a bounded time-ordered log that
// consumers poll, and moved to an append-only dead-letter queue once their
// retry budget is spent.
package eventbus

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mingxin1a/paas-platform-sub000/internal/ids"
	"github.com/mingxin1a/paas-platform-sub000/internal/logging"
	"github.com/mingxin1a/paas-platform-sub000/internal/telemetry"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

var ErrInvalidEvent = errors.New("eventbus: event type is required")

// Status is the outcome of handing an event to the bus.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRequeued Status = "requeued"
	StatusDLQ      Status = "dlq"
)

// Event is one domain event in the log.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"type"`
	TraceID    string          `json:"trace_id,omitempty"`
	Payload    json.RawMessage `json:"data,omitempty"`
	RetryCount int             `json:"retry_count"`
	Timestamp  time.Time       `json:"timestamp"`
}

// DeadLetter is an event that will not be delivered again.
type DeadLetter struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"type"`
	TraceID    string          `json:"trace_id,omitempty"`
	Payload    json.RawMessage `json:"data,omitempty"`
	RetryCount int             `json:"retry_count"`
	Reason     string          `json:"reason"`
	Timestamp  time.Time       `json:"timestamp"`
}

// AcceptRequest is what producers publish. An empty ID gets a ULID.
type AcceptRequest struct {
	ID         string          `json:"event_id,omitempty"`
	Type       string          `json:"type"`
	TraceID    string          `json:"trace_id,omitempty"`
	Payload    json.RawMessage `json:"data,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
}

// Result reports the id an event was stored under and where it went.
type Result struct {
	EventID string `json:"event_id"`
	Status  Status `json:"status"`
}

type Options struct {
	LogSize    int
	DLQSize    int
	MaxRetries int
}

// Bus owns the event log and the dead-letter queue.
type Bus struct {
	mu     sync.Mutex
	opts   Options
	log    []Event
	dlq    []DeadLetter
	seen   *lru.Cache[string, Status]
	last   time.Time
	now    func() time.Time
	notify *Notifier
	prom   *telemetry.Collectors
	logger *slog.Logger
}

func New(opts Options, prom *telemetry.Collectors, logger *slog.Logger) *Bus {
	if opts.LogSize < 1 {
		opts.LogSize = 10000
	}
	if opts.DLQSize < 1 {
		opts.DLQSize = 1000
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if logger == nil {
		logger = logging.Discard()
	}
	// remembers ids well past the log's own horizon
	seen, _ := lru.New[string, Status](2 * (opts.LogSize + opts.DLQSize))
	return &Bus{opts: opts, seen: seen, now: time.Now, prom: prom, logger: logger}
}

// WithClock replaces the time source. Intended for tests.
func (b *Bus) WithClock(now func() time.Time) *Bus {
	b.now = now
	return b
}

// WithNotifier announces every appended event on n.
func (b *Bus) WithNotifier(n *Notifier) *Bus {
	b.notify = n
	return b
}

// Accept stores req once per id. A repeated id returns the original outcome
// without storing anything. Events whose retry count is already past the
// budget go straight to the dead-letter queue.
func (b *Bus) Accept(req AcceptRequest) (Result, error) {
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		return Result{}, ErrInvalidEvent
	}
	if req.ID == "" {
		req.ID = ids.EventID()
	}

	b.mu.Lock()
	if prev, dup := b.seen.Get(req.ID); dup {
		b.mu.Unlock()
		b.prom.Event("duplicate")
		return Result{EventID: req.ID, Status: prev}, nil
	}
	evt := Event{ID: req.ID, Type: req.Type, TraceID: req.TraceID, Payload: req.Payload, RetryCount: req.RetryCount}
	var res Result
	if req.RetryCount > b.opts.MaxRetries {
		b.deadLetterLocked(evt, "retry budget exhausted")
		res = Result{EventID: req.ID, Status: StatusDLQ}
	} else {
		evt = b.appendLocked(evt)
		res = Result{EventID: req.ID, Status: StatusAccepted}
	}
	b.seen.Add(req.ID, res.Status)
	b.mu.Unlock()

	b.prom.Event(string(res.Status))
	if res.Status == StatusAccepted {
		b.announce(evt)
	}
	return res, nil
}

// Requeue puts evt back on the log with its retry count bumped, or
// dead-letters it with reason once the budget is spent. Requeued events are
// not announced; consumers pick them up on their next regular poll.
func (b *Bus) Requeue(evt Event, reason string) Result {
	evt.RetryCount++
	b.mu.Lock()
	if evt.RetryCount > b.opts.MaxRetries {
		b.deadLetterLocked(evt, reason)
		b.seen.Add(evt.ID, StatusDLQ)
		b.mu.Unlock()
		b.prom.Event(string(StatusDLQ))
		return Result{EventID: evt.ID, Status: StatusDLQ}
	}
	evt = b.appendLocked(evt)
	b.mu.Unlock()

	b.prom.Event(string(StatusRequeued))
	b.logger.Info("event requeued", "event_id", evt.ID, "type", evt.Type, "retry_count", evt.RetryCount, "reason", reason)
	return Result{EventID: evt.ID, Status: StatusRequeued}
}

// DeadLetter moves evt to the dead-letter queue without further retries.
func (b *Bus) DeadLetter(evt Event, reason string) Result {
	b.mu.Lock()
	b.deadLetterLocked(evt, reason)
	b.seen.Add(evt.ID, StatusDLQ)
	b.mu.Unlock()
	b.prom.Event(string(StatusDLQ))
	return Result{EventID: evt.ID, Status: StatusDLQ}
}

// List returns up to limit events stamped strictly after since whose type
// starts with topicPrefix, oldest first.
func (b *Bus) List(topicPrefix string, since time.Time, limit int) []Event {
	limit = clampLimit(limit)
	b.mu.Lock()
	defer b.mu.Unlock()
	start := sort.Search(len(b.log), func(i int) bool { return b.log[i].Timestamp.After(since) })
	out := make([]Event, 0, min(limit, len(b.log)-start))
	for _, evt := range b.log[start:] {
		if len(out) == limit {
			break
		}
		if strings.HasPrefix(evt.Type, topicPrefix) {
			out = append(out, evt)
		}
	}
	return out
}

// DeadLetters returns the newest limit dead letters, oldest first.
func (b *Bus) DeadLetters(limit int) []DeadLetter {
	limit = clampLimit(limit)
	b.mu.Lock()
	defer b.mu.Unlock()
	start := max(0, len(b.dlq)-limit)
	return append([]DeadLetter(nil), b.dlq[start:]...)
}

// Len reports the sizes of the log and the dead-letter queue.
func (b *Bus) Len() (events, deadLetters int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log), len(b.dlq)
}

// appendLocked stamps evt with a timestamp strictly after the previous one.
func (b *Bus) appendLocked(evt Event) Event {
	ts := b.now()
	if !ts.After(b.last) {
		ts = b.last.Add(time.Nanosecond)
	}
	b.last = ts
	evt.Timestamp = ts
	b.log = append(b.log, evt)
	if over := len(b.log) - b.opts.LogSize; over > 0 {
		n := copy(b.log, b.log[over:])
		clear(b.log[n:])
		b.log = b.log[:n]
	}
	return evt
}

func (b *Bus) deadLetterLocked(evt Event, reason string) {
	b.dlq = append(b.dlq, DeadLetter{
		ID:         evt.ID,
		Type:       evt.Type,
		TraceID:    evt.TraceID,
		Payload:    evt.Payload,
		RetryCount: evt.RetryCount,
		Reason:     reason,
		Timestamp:  b.now(),
	})
	if over := len(b.dlq) - b.opts.DLQSize; over > 0 {
		n := copy(b.dlq, b.dlq[over:])
		clear(b.dlq[n:])
		b.dlq = b.dlq[:n]
	}
	b.logger.Warn("event dead-lettered", "event_id", evt.ID, "type", evt.Type, "retry_count", evt.RetryCount, "reason", reason)
}

func (b *Bus) announce(evt Event) {
	if b.notify == nil {
		return
	}
	if err := b.notify.Announce(evt); err != nil {
		b.logger.Debug("event announce failed", "event_id", evt.ID, "err", err)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

// Package choreography runs the cross-unit order fulfilment workflow. A
// single worker polls the event bus, turns each workflow event into calls
// through the router, and requeues or dead-letters events that fail.
package choreography

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/auth"
	"github.com/mingxin1a/paas-platform-sub000/internal/config"
	"github.com/mingxin1a/paas-platform-sub000/internal/contract"
	"github.com/mingxin1a/paas-platform-sub000/internal/eventbus"
	"github.com/mingxin1a/paas-platform-sub000/internal/logging"
	"github.com/mingxin1a/paas-platform-sub000/internal/proxy"
	"github.com/mingxin1a/paas-platform-sub000/internal/telemetry"
)

const workerUserID = "choreography"

// Forwarder sends one call to a unit. *proxy.Router satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, req *proxy.Request) (*proxy.Response, error)
}

// Source is the event log the worker consumes. *eventbus.Bus satisfies it.
type Source interface {
	List(topicPrefix string, since time.Time, limit int) []eventbus.Event
	Requeue(evt eventbus.Event, reason string) eventbus.Result
	DeadLetter(evt eventbus.Event, reason string) eventbus.Result
}

type Options struct {
	Interval time.Duration
	Batch    int
	Units    config.WorkflowUnits
}

// outcome of handling one event.
type outcome string

const (
	outcomeDone     outcome = "done"
	outcomeIgnored  outcome = "ignored"
	outcomeRequeued outcome = "requeued"
	outcomeDLQ      outcome = "dead_lettered"
	outcomePanic    outcome = "panic"
)

// Worker is the single consumer of workflow events. It keeps its own
// high-water mark, so it never touches another consumer's position.
type Worker struct {
	src    Source
	fwd    Forwarder
	opts   Options
	prom   *telemetry.Collectors
	logger *slog.Logger
	wake   <-chan struct{}
	hwm    time.Time
}

func New(src Source, fwd Forwarder, opts Options, prom *telemetry.Collectors, logger *slog.Logger) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Batch < 1 {
		opts.Batch = 100
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{src: src, fwd: fwd, opts: opts, prom: prom, logger: logger}
}

// WithWake polls as soon as ch fires, in addition to the ticker.
func (w *Worker) WithWake(ch <-chan struct{}) *Worker {
	w.wake = ch
	return w
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.opts.Interval)
	defer t.Stop()
	w.logger.Info("choreography worker started", "interval", w.opts.Interval.String(), "batch", w.opts.Batch)
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("choreography worker stopped")
			return
		case <-t.C:
		case _, ok := <-w.wake:
			if !ok {
				w.wake = nil
			}
		}
	}
}

// drain polls full batches back to back. It stops after a batch that
// requeued anything: requeued events sit past the high-water mark and are
// retried on the next tick, not within this drain.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, requeued := w.poll(ctx)
		if n < w.opts.Batch || requeued > 0 {
			return
		}
	}
}

// Poll handles one batch of events past the high-water mark and returns how
// many it consumed.
func (w *Worker) Poll(ctx context.Context) int {
	n, _ := w.poll(ctx)
	return n
}

func (w *Worker) poll(ctx context.Context) (consumed, requeued int) {
	events := w.src.List("", w.hwm, w.opts.Batch)
	for _, evt := range events {
		if ctx.Err() != nil {
			return consumed, requeued
		}
		out := w.handle(ctx, evt)
		w.prom.WorkflowStep(evt.Type, string(out))
		w.hwm = evt.Timestamp
		consumed++
		if out == outcomeRequeued || out == outcomePanic {
			requeued++
		}
	}
	return consumed, requeued
}

// handle never lets a failing event stop the loop.
func (w *Worker) handle(ctx context.Context, evt eventbus.Event) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("workflow handler panicked", "event_id", evt.ID, "type", evt.Type, "panic", fmt.Sprint(r))
			w.src.Requeue(evt, fmt.Sprintf("handler panic: %v", r))
			out = outcomePanic
		}
	}()

	steps, p, err := plan(w.opts.Units, evt)
	switch {
	case errors.Is(err, errUnhandled):
		w.logger.Debug("event ignored", "event_id", evt.ID, "type", evt.Type)
		return outcomeIgnored
	case err != nil:
		w.src.DeadLetter(evt, err.Error())
		return outcomeDLQ
	}

	for _, st := range steps {
		if err := w.call(ctx, evt, p, st); err != nil {
			var perm permanentError
			if errors.As(err, &perm) {
				w.src.DeadLetter(evt, err.Error())
				return outcomeDLQ
			}
			w.src.Requeue(evt, err.Error())
			return outcomeRequeued
		}
	}
	w.logger.Info("workflow step completed", "event_id", evt.ID, "type", evt.Type, "order_id", p.orderID, "steps", len(steps))
	return outcomeDone
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// call runs one step. Replays of an already applied step come back as
// IdempotentConflict and count as success.
func (w *Worker) call(ctx context.Context, evt eventbus.Event, p payload, st step) error {
	body, err := json.Marshal(st.Body)
	if err != nil {
		return permanentError{fmt.Errorf("%s: encode body: %w", st.Name, err)}
	}
	h := http.Header{}
	h.Set(contract.ContentType, "application/json")
	contract.Correlation{
		RequestID: evt.ID + ":" + st.Name,
		TenantID:  p.tenantID,
		TraceID:   evt.TraceID,
	}.Apply(h)

	resp, err := w.fwd.Forward(ctx, &proxy.Request{
		Method:    st.Method,
		Unit:      st.Unit,
		Path:      st.Path,
		Header:    h,
		Body:      body,
		Principal: &auth.Principal{UserID: workerUserID, Role: "system", TenantID: p.tenantID},
	})
	if err != nil {
		if apperr.HasCode(err, apperr.IdempotentConflict) {
			w.logger.Debug("step already applied", "event_id", evt.ID, "step", st.Name)
			return nil
		}
		status := apperr.CodeOf(err).HTTPStatus()
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return permanentError{fmt.Errorf("%s: %w", st.Name, err)}
		}
		return fmt.Errorf("%s: %w", st.Name, err)
	}
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status >= 400 && resp.Status < 500 && resp.Status != http.StatusTooManyRequests:
		return permanentError{fmt.Errorf("%s: unit %s answered %d", st.Name, st.Unit, resp.Status)}
	default:
		return fmt.Errorf("%s: unit %s answered %d", st.Name, st.Unit, resp.Status)
	}
}

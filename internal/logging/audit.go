package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// SecurityEvent is one entry of the security audit trail.
type SecurityEvent struct {
	Kind      string
	Reason    string
	RequestID string
	TenantID  string
	Unit      string
	ClientIP  string
	At        time.Time
}

// AuditLog is an append-only sink for security events, kept apart from the
// operational log stream.
type AuditLog struct {
	mu     sync.Mutex
	logger *slog.Logger
	closer io.Closer
}

// OpenAudit opens (or creates) path in append mode.
func OpenAudit(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	a := NewAudit(f)
	a.closer = f
	return a, nil
}

// NewAudit writes audit entries to w as JSON lines.
func NewAudit(w io.Writer) *AuditLog {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &AuditLog{logger: slog.New(h).With("stream", "security-audit")}
}

// Record appends ev. A nil AuditLog is a no-op.
func (a *AuditLog) Record(ctx context.Context, ev SecurityEvent) {
	if a == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.LogAttrs(ctx, slog.LevelWarn, ev.Kind,
		slog.String("reason", ev.Reason),
		slog.String("request_id", ev.RequestID),
		slog.String("tenant_id", ev.TenantID),
		slog.String("unit", ev.Unit),
		slog.String("client_ip", ev.ClientIP),
		slog.Time("at", ev.At.UTC()),
	)
}

func (a *AuditLog) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

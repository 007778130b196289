package health

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mingxin1a/paas-platform-sub000/internal/registry"
)

// Options configures a Monitor.
type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Concurrency      int
}

// Monitor periodically probes every registered unit and is the only writer
// of the registry's health flags.
type Monitor struct {
	reg    *registry.Registry
	prober Prober
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	// OnChange is called after a unit flips between healthy and unhealthy.
	OnChange func(reg registry.Registration)
}

func NewMonitor(reg *registry.Registry, prober Prober, opts Options, logger *slog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 3
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 8
	}
	return &Monitor{reg: reg, prober: prober, opts: opts, logger: logger, now: time.Now}
}

// Run probes on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	m.logger.Info("health monitor started", "interval", m.opts.Interval.String(), "threshold", m.opts.FailureThreshold)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-t.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered unit once, with bounded concurrency.
func (m *Monitor) CheckAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, reg := range m.reg.Snapshot() {
		unit, address := reg.Unit, reg.Address
		g.Go(func() error {
			m.check(ctx, unit, address)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) check(ctx context.Context, unit, address string) {
	if ctx.Err() != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	err := m.prober.Probe(pctx, address)
	cancel()
	if err != nil && ctx.Err() != nil {
		// shutting down; do not count it against the unit
		return
	}
	reg, flipped := m.reg.ReportProbe(unit, err == nil, m.now(), m.opts.FailureThreshold)
	if err != nil {
		m.logger.Debug("probe failed", "unit", unit, "address", address, "failures", reg.ConsecutiveFailures, "err", err)
	}
	if !flipped {
		return
	}
	if reg.Healthy {
		m.logger.Info("unit recovered", "unit", unit, "address", address)
	} else {
		m.logger.Warn("unit isolated", "unit", unit, "address", address, "failures", reg.ConsecutiveFailures)
	}
	if m.OnChange != nil {
		m.OnChange(reg)
	}
}

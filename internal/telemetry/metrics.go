package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"
)

// RED is the rate/errors/duration view of one unit.
type RED struct {
	Unit         string  `json:"unit"`
	RequestTotal int64   `json:"request_total"`
	SuccessTotal int64   `json:"success_total"`
	SuccessRate  float64 `json:"success_rate"`
	// Durations are in milliseconds.
	DurationP50  float64 `json:"duration_p50"`
	DurationP99  float64 `json:"duration_p99"`
}

type window struct {
	requests  int64
	successes int64
	samples   []float64 // ring of durations in milliseconds
	next      int
	filled    bool
}

// MetricsStore aggregates request outcomes per unit. Durations live in a
// bounded ring so percentiles reflect only the most recent calls.
type MetricsStore struct {
	mu      sync.Mutex
	size    int
	windows map[string]*window
}

func NewMetricsStore(samples int) *MetricsStore {
	if samples < 1 {
		samples = 1024
	}
	return &MetricsStore{size: samples, windows: map[string]*window{}}
}

// Record adds one outcome for unit.
func (m *MetricsStore) Record(unit string, success bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[unit]
	if !ok {
		w = &window{samples: make([]float64, m.size)}
		m.windows[unit] = w
	}
	w.requests++
	if success {
		w.successes++
	}
	w.samples[w.next] = float64(d) / float64(time.Millisecond)
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Snapshot returns unit's RED view; ok is false when nothing was recorded.
func (m *MetricsStore) Snapshot(unit string) (RED, bool) {
	m.mu.Lock()
	w, ok := m.windows[unit]
	if !ok {
		m.mu.Unlock()
		return RED{Unit: unit}, false
	}
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	out := RED{Unit: unit, RequestTotal: w.requests, SuccessTotal: w.successes}
	m.mu.Unlock()

	sort.Float64s(sorted)
	if out.RequestTotal > 0 {
		out.SuccessRate = float64(out.SuccessTotal) / float64(out.RequestTotal)
	}
	out.DurationP50 = percentile(sorted, 0.50)
	out.DurationP99 = percentile(sorted, 0.99)
	return out, true
}

// Units lists every unit with recorded outcomes, sorted.
func (m *MetricsStore) Units() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.windows))
	for u := range m.windows {
		out = append(out, u)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

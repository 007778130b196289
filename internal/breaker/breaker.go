package breaker

import (
	"sort"
	"sync"
	"time"
)

// State of a unit's breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Settings tune every unit's breaker.
type Settings struct {
	Window           time.Duration
	MinCalls         int
	FailureRatio     float64
	HalfOpenProbes   int
	SuccessesToClose int
}

// DefaultSettings: 10s window, open at >=50% failures over >=2 calls,
// 3 half-open probes of which 2 must succeed.
func DefaultSettings() Settings {
	return Settings{
		Window:           10 * time.Second,
		MinCalls:         2,
		FailureRatio:     0.5,
		HalfOpenProbes:   3,
		SuccessesToClose: 2,
	}
}

type unitState struct {
	state       State
	windowStart time.Time
	successes   int
	failures    int
	probes      int // half-open admissions handed out
	probeOK     int
	probeDone   int
}

// Snapshot is a read-only copy of one unit's breaker.
type Snapshot struct {
	Unit        string    `json:"unit"`
	State       State     `json:"state"`
	WindowStart time.Time `json:"window_start"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
}

// Breaker keeps one state machine per unit, created lazily in Closed.
// It never performs I/O while holding its lock.
type Breaker struct {
	mu       sync.Mutex
	settings Settings
	units    map[string]*unitState
	now      func() time.Time

	// OnStateChange, when set, is called outside the lock after a transition.
	OnStateChange func(unit string, from, to State)
}

func New(s Settings) *Breaker {
	d := DefaultSettings()
	if s.Window <= 0 {
		s.Window = d.Window
	}
	if s.MinCalls < 1 {
		s.MinCalls = d.MinCalls
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = d.FailureRatio
	}
	if s.HalfOpenProbes < 1 {
		s.HalfOpenProbes = d.HalfOpenProbes
	}
	if s.SuccessesToClose < 1 {
		s.SuccessesToClose = d.SuccessesToClose
	}
	return &Breaker{settings: s, units: map[string]*unitState{}, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) get(unit string, now time.Time) *unitState {
	st, ok := b.units[unit]
	if !ok {
		st = &unitState{state: Closed, windowStart: now}
		b.units[unit] = st
	}
	return st
}

// Allow reports whether a call to unit may proceed. In Open it flips to
// HalfOpen once the window has elapsed and admits that call as the first probe.
func (b *Breaker) Allow(unit string) bool {
	b.mu.Lock()
	now := b.now()
	st := b.get(unit, now)
	var from, to State
	changed := false
	allowed := false

	switch st.state {
	case Closed:
		allowed = true
	case Open:
		if now.Sub(st.windowStart) >= b.settings.Window {
			from, to, changed = Open, HalfOpen, true
			st.state = HalfOpen
			st.probes, st.probeOK, st.probeDone = 1, 0, 0
			allowed = true
		}
	case HalfOpen:
		if st.probes < b.settings.HalfOpenProbes {
			st.probes++
			allowed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(unit, from, to)
	}
	return allowed
}

// Record feeds one call outcome into unit's breaker.
func (b *Breaker) Record(unit string, success bool) {
	b.mu.Lock()
	now := b.now()
	st := b.get(unit, now)
	from := st.state

	switch st.state {
	case Closed:
		if now.Sub(st.windowStart) >= b.settings.Window {
			st.windowStart = now
			st.successes, st.failures = 0, 0
		}
		if success {
			st.successes++
		} else {
			st.failures++
		}
		total := st.successes + st.failures
		if total >= b.settings.MinCalls && float64(st.failures)/float64(total) >= b.settings.FailureRatio {
			b.trip(st, now)
		}
	case HalfOpen:
		st.probeDone++
		if !success {
			b.trip(st, now)
			break
		}
		st.probeOK++
		if st.probeOK >= b.settings.SuccessesToClose {
			st.state = Closed
			st.windowStart = now
			st.successes, st.failures = 0, 0
		} else if st.probeDone >= b.settings.HalfOpenProbes {
			b.trip(st, now)
		}
	case Open:
		// late outcome of a call admitted before the trip; the window is already reset
	}
	to := st.state
	b.mu.Unlock()

	if from != to {
		b.notify(unit, from, to)
	}
}

// Release hands back an admission that did not turn into a call, such as a
// discovery miss or a cache hit, so half-open probe slots are not leaked.
func (b *Breaker) Release(unit string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.units[unit]; ok && st.state == HalfOpen && st.probes > st.probeDone {
		st.probes--
	}
}

func (b *Breaker) trip(st *unitState, now time.Time) {
	st.state = Open
	st.windowStart = now
	st.successes, st.failures = 0, 0
	st.probes, st.probeOK, st.probeDone = 0, 0, 0
}

func (b *Breaker) notify(unit string, from, to State) {
	if b.OnStateChange != nil {
		b.OnStateChange(unit, from, to)
	}
}

// State returns unit's current state. Unknown units are Closed.
func (b *Breaker) State(unit string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.units[unit]; ok {
		return st.state
	}
	return Closed
}

// Snapshot copies every known unit's breaker, sorted by unit.
func (b *Breaker) Snapshot() []Snapshot {
	b.mu.Lock()
	out := make([]Snapshot, 0, len(b.units))
	for unit, st := range b.units {
		out = append(out, Snapshot{
			Unit:        unit,
			State:       st.state,
			WindowStart: st.windowStart,
			Successes:   st.successes,
			Failures:    st.failures,
		})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

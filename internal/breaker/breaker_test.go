package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker() (*Breaker, *fakeClock) {
	clk := newFakeClock()
	return New(DefaultSettings()).WithClock(clk.Now), clk
}

func TestUnknownUnitStartsClosed(t *testing.T) {
	b, _ := newTestBreaker()
	assert.Equal(t, Closed, b.State("erp"))
	assert.True(t, b.Allow("erp"))
}

func TestTwoFailuresOpenImmediately(t *testing.T) {
	b, _ := newTestBreaker()
	b.Record("erp", false)
	assert.Equal(t, Closed, b.State("erp"), "a single call is below the minimum")
	b.Record("erp", false)

	assert.Equal(t, Open, b.State("erp"))
	assert.False(t, b.Allow("erp"))
}

func TestHalfFailuresOpen(t *testing.T) {
	b, _ := newTestBreaker()
	b.Record("mes", true)
	b.Record("mes", true)
	b.Record("mes", false)
	assert.Equal(t, Closed, b.State("mes"))
	b.Record("mes", false)
	assert.Equal(t, Open, b.State("mes"))
}

func TestClosedWindowResets(t *testing.T) {
	b, clk := newTestBreaker()
	b.Record("wms", false)
	clk.Advance(11 * time.Second)
	b.Record("wms", true)
	assert.Equal(t, Closed, b.State("wms"), "the old failure fell out of the window")
}

func TestOpenRejectsUntilWindowElapses(t *testing.T) {
	b, clk := newTestBreaker()
	b.Record("tms", false)
	b.Record("tms", false)

	clk.Advance(9 * time.Second)
	assert.False(t, b.Allow("tms"))

	clk.Advance(time.Second)
	assert.True(t, b.Allow("tms"), "first call after the window is a probe")
	assert.Equal(t, HalfOpen, b.State("tms"))
}

func TestHalfOpenClosesAfterTwoSuccesses(t *testing.T) {
	b, clk := newTestBreaker()
	b.Record("erp", false)
	b.Record("erp", false)
	clk.Advance(10 * time.Second)

	require.True(t, b.Allow("erp"))
	b.Record("erp", true)
	assert.Equal(t, HalfOpen, b.State("erp"))
	require.True(t, b.Allow("erp"))
	b.Record("erp", true)
	assert.Equal(t, Closed, b.State("erp"))
	assert.True(t, b.Allow("erp"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker()
	b.Record("erp", false)
	b.Record("erp", false)
	clk.Advance(10 * time.Second)

	require.True(t, b.Allow("erp"))
	b.Record("erp", true)
	require.True(t, b.Allow("erp"))
	b.Record("erp", false)

	assert.Equal(t, Open, b.State("erp"))
	assert.False(t, b.Allow("erp"))
	clk.Advance(10 * time.Second)
	assert.True(t, b.Allow("erp"))
}

func TestHalfOpenProbeBudget(t *testing.T) {
	b, clk := newTestBreaker()
	b.Record("fms", false)
	b.Record("fms", false)
	clk.Advance(10 * time.Second)

	assert.True(t, b.Allow("fms"))
	assert.True(t, b.Allow("fms"))
	assert.True(t, b.Allow("fms"))
	assert.False(t, b.Allow("fms"), "only three probes are in flight at once")
}

func TestProbeBudgetExhaustedWithoutQuorumReopens(t *testing.T) {
	clk := newFakeClock()
	b := New(Settings{Window: time.Second, MinCalls: 1, FailureRatio: 0.5, HalfOpenProbes: 2, SuccessesToClose: 3}).WithClock(clk.Now)
	b.Record("x", false)
	require.Equal(t, Open, b.State("x"))
	clk.Advance(time.Second)

	require.True(t, b.Allow("x"))
	require.True(t, b.Allow("x"))
	b.Record("x", true)
	b.Record("x", true)
	assert.Equal(t, Open, b.State("x"))
}

func TestStateChangeHook(t *testing.T) {
	b, clk := newTestBreaker()
	type transition struct{ from, to State }
	var seen []transition
	b.OnStateChange = func(unit string, from, to State) {
		assert.Equal(t, "erp", unit)
		seen = append(seen, transition{from, to})
	}
	b.Record("erp", false)
	b.Record("erp", false)
	clk.Advance(10 * time.Second)
	b.Allow("erp")
	b.Record("erp", true)
	b.Allow("erp")
	b.Record("erp", true)

	assert.Equal(t, []transition{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}, seen)
}

func TestLateOutcomeWhileOpenIsIgnored(t *testing.T) {
	b, _ := newTestBreaker()
	b.Record("erp", false)
	b.Record("erp", false)
	b.Record("erp", true)
	assert.Equal(t, Open, b.State("erp"))
}

func TestSnapshotSorted(t *testing.T) {
	b, _ := newTestBreaker()
	b.Record("wms", true)
	b.Record("erp", false)
	b.Record("erp", false)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "erp", snap[0].Unit)
	assert.Equal(t, Open, snap[0].State)
	assert.Equal(t, "wms", snap[1].Unit)
	assert.Equal(t, 1, snap[1].Successes)
}

func TestStateText(t *testing.T) {
	txt, err := HalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "half_open", string(txt))
}

func TestReleaseReturnsProbeSlot(t *testing.T) {
	b, clk := newTestBreaker()
	b.Record("erp", false)
	b.Record("erp", false)
	clk.Advance(10 * time.Second)

	require.True(t, b.Allow("erp"))
	require.True(t, b.Allow("erp"))
	require.True(t, b.Allow("erp"))
	require.False(t, b.Allow("erp"))

	b.Release("erp")
	assert.True(t, b.Allow("erp"))

	// no-op for closed and unknown units
	b.Release("ghost")
	assert.Equal(t, Closed, b.State("ghost"))
}

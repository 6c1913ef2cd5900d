package scheduler

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beacon/internal/clock"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// inlinePoster runs posted closures immediately and counts them.
type inlinePoster struct {
	posted int
	closed bool
}

func (p *inlinePoster) Post(fn func()) bool {
	if p.closed {
		return false
	}
	p.posted++
	fn()
	return true
}

func newTestScheduler(t *testing.T, period time.Duration) (*Scheduler, *clock.Fake, *int) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	dispatched := new(int)
	s := New(func() { *dispatched++ },
		WithClock(clk),
		WithPeriod(period),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(s.Stop)
	return s, clk, dispatched
}

func TestScheduler_StartReplaysLatchedDispatch(t *testing.T) {
	s, _, dispatched := newTestScheduler(t, time.Minute)

	s.Dispatch()
	assert.Equal(t, 0, *dispatched, "nothing runs before Start")

	s.Start(&inlinePoster{})
	assert.Equal(t, 1, *dispatched, "construction latch and manual dispatch collapse into one")
}

func TestScheduler_PeriodicDispatchWhileNonEmpty(t *testing.T) {
	s, clk, dispatched := newTestScheduler(t, time.Minute)
	s.Start(&inlinePoster{})
	*dispatched = 0

	clk.Advance(time.Minute)
	assert.Equal(t, 1, *dispatched)
	clk.Advance(time.Minute)
	assert.Equal(t, 2, *dispatched)
	assert.False(t, s.PowerSave())
}

func TestScheduler_EmptyStoreEntersPowerSave(t *testing.T) {
	s, clk, dispatched := newTestScheduler(t, time.Minute)
	s.Start(&inlinePoster{})
	*dispatched = 0

	s.ReportStoreIsEmpty(true)
	require.True(t, s.PowerSave())
	clk.Advance(10 * time.Minute)
	assert.Equal(t, 0, *dispatched)

	// A new hit reinstates the timer from scratch.
	clk.Advance(30 * time.Second)
	s.ReportStoreIsEmpty(false)
	require.False(t, s.PowerSave())
	clk.Advance(59 * time.Second)
	assert.Equal(t, 0, *dispatched)
	clk.Advance(time.Second)
	assert.Equal(t, 1, *dispatched)
}

func TestScheduler_DisconnectedEntersPowerSave(t *testing.T) {
	s, clk, dispatched := newTestScheduler(t, time.Minute)
	s.Start(&inlinePoster{})
	*dispatched = 0

	s.UpdateConnectivity(false)
	assert.True(t, s.PowerSave())
	clk.Advance(5 * time.Minute)
	assert.Equal(t, 0, *dispatched)

	s.UpdateConnectivity(true)
	clk.Advance(time.Minute)
	assert.Equal(t, 1, *dispatched)
}

func TestScheduler_NoRescheduleAfterEmptyReportedInDispatch(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	var s *Scheduler
	dispatched := 0
	s = New(func() {
		dispatched++
		s.ReportStoreIsEmpty(true)
	}, WithClock(clk), WithPeriod(time.Minute), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer s.Stop()

	// Start's replayed dispatch drains the store, so no timer is armed.
	s.Start(&inlinePoster{})
	assert.Equal(t, 1, dispatched)
	assert.True(t, s.PowerSave())
	assert.Equal(t, 0, clk.Pending())
}

func TestScheduler_SetDispatchPeriodReschedules(t *testing.T) {
	s, clk, dispatched := newTestScheduler(t, time.Hour)
	s.Start(&inlinePoster{})
	*dispatched = 0

	clk.Advance(30 * time.Minute)
	s.SetDispatchPeriod(time.Minute)
	assert.Equal(t, time.Minute, s.Period())
	assert.Equal(t, 1, clk.Pending(), "old timer cancelled")

	clk.Advance(time.Minute)
	assert.Equal(t, 1, *dispatched)
}

func TestScheduler_ZeroPeriodDisablesTimer(t *testing.T) {
	s, clk, dispatched := newTestScheduler(t, time.Minute)
	s.Start(&inlinePoster{})
	*dispatched = 0

	s.SetDispatchPeriod(0)
	assert.True(t, s.PowerSave())
	clk.Advance(time.Hour)
	assert.Equal(t, 0, *dispatched)

	s.Dispatch()
	assert.Equal(t, 1, *dispatched, "manual dispatch still works")
}

func TestScheduler_StopCancels(t *testing.T) {
	s, clk, dispatched := newTestScheduler(t, time.Minute)
	s.Start(&inlinePoster{})
	*dispatched = 0

	s.Stop()
	clk.Advance(time.Hour)
	assert.Equal(t, 0, *dispatched)
	assert.Equal(t, 0, clk.Pending())
}

func TestScheduler_ClosedPosterDropsDispatch(t *testing.T) {
	s, clk, dispatched := newTestScheduler(t, time.Minute)
	p := &inlinePoster{}
	s.Start(p)
	*dispatched = 0

	p.closed = true
	clk.Advance(time.Minute)
	assert.Equal(t, 0, *dispatched)
}

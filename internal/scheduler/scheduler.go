// Package scheduler runs the periodic dispatch timer.
//
// The timer is suspended (power-save mode) while the queue is empty or
// the network is down, and reinstated from scratch when either changes.
// Timer callbacks never dispatch directly: they post the dispatch action
// to the worker inbox.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/beacon/internal/clock"
)

// DefaultPeriod is the dispatch period used when none is configured.
const DefaultPeriod = 1800 * time.Second

// Poster runs closures on the worker's serialized context.
type Poster interface {
	Post(fn func()) bool
}

// Scheduler owns the single recurring dispatch timer.
type Scheduler struct {
	mu sync.Mutex

	clock    clock.Clock
	logger   *slog.Logger
	dispatch func()
	poster   Poster

	period       time.Duration
	storeIsEmpty bool
	connected    bool
	pending      bool
	stopped      bool
	timer        clock.Timer
	generation   uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the timer.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithPeriod sets the initial dispatch period. Zero or negative disables
// periodic dispatch.
func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) { s.period = d }
}

// New creates a scheduler that runs dispatch on the worker each period.
//
// A dispatch is latched from construction so hits left over from a
// previous run go out as soon as Start attaches the worker.
func New(dispatch func(), opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:     clock.Real(),
		logger:    slog.Default(),
		dispatch:  dispatch,
		period:    DefaultPeriod,
		connected: true,
		pending:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start attaches the worker inbox, replays a latched dispatch and arms
// the timer. Calling Start again is a no-op.
func (s *Scheduler) Start(p Poster) {
	s.mu.Lock()
	if s.poster != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.poster = p
	replay := s.pending
	s.pending = false
	if s.shouldRunLocked() {
		s.scheduleLocked()
	}
	s.mu.Unlock()

	if replay {
		s.post(p)
	}
}

// Dispatch requests an immediate dispatch cycle. Before Start it is
// latched and replayed once the worker is attached.
func (s *Scheduler) Dispatch() {
	s.mu.Lock()
	p := s.poster
	if p == nil {
		s.logger.Warn("dispatch call queued, scheduler not started")
		s.pending = true
	}
	s.mu.Unlock()

	if p != nil {
		s.post(p)
	}
}

// SetDispatchPeriod changes the period, cancelling and rescheduling any
// pending timer.
func (s *Scheduler) SetDispatchPeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	s.period = d
	if s.poster != nil && s.shouldRunLocked() {
		s.scheduleLocked()
	}
}

// Period returns the configured dispatch period.
func (s *Scheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// UpdateConnectivity records a network change.
func (s *Scheduler) UpdateConnectivity(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatePowerSaveLocked(s.storeIsEmpty, connected)
}

// ReportStoreIsEmpty records the queue's emptiness. It satisfies
// store.StateListener.
func (s *Scheduler) ReportStoreIsEmpty(empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatePowerSaveLocked(empty, s.connected)
}

// PowerSave reports whether the timer is suspended.
func (s *Scheduler) PowerSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer == nil
}

// Stop cancels the timer for good.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelLocked()
}

func (s *Scheduler) updatePowerSaveLocked(storeIsEmpty, connected bool) {
	if s.storeIsEmpty == storeIsEmpty && s.connected == connected {
		return
	}
	s.storeIsEmpty = storeIsEmpty
	s.connected = connected

	s.cancelLocked()
	if s.poster != nil && s.shouldRunLocked() {
		s.scheduleLocked()
	}

	if storeIsEmpty || !connected {
		s.logger.Debug("power save mode initiated", "store_empty", storeIsEmpty, "connected", connected)
	} else {
		s.logger.Debug("power save mode terminated")
	}
}

func (s *Scheduler) shouldRunLocked() bool {
	return !s.stopped && s.period > 0 && !s.storeIsEmpty && s.connected
}

func (s *Scheduler) scheduleLocked() {
	s.generation++
	gen := s.generation
	s.timer = s.clock.AfterFunc(s.period, func() { s.fire(gen) })
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	// A timer cancelled or replaced after it started firing is stale.
	if s.timer == nil || s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.shouldRunLocked() {
		s.scheduleLocked()
	}
	p := s.poster
	s.mu.Unlock()

	s.post(p)
}

// post hands the dispatch action to the worker. Called without s.mu held
// so the action may call back into the scheduler.
func (s *Scheduler) post(p Poster) {
	if s.dispatch == nil || p == nil {
		return
	}
	if !p.Post(s.dispatch) {
		s.logger.Debug("dispatch not posted, worker closed")
	}
}

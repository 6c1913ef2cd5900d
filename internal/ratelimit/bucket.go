// Package ratelimit guards the pipeline against runaway hit volume with a
// per-tracker token bucket.
package ratelimit

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/beacon/internal/clock"
)

const (
	// DefaultCapacity is the bucket size in tokens. One token accrues per
	// elapsed millisecond, so a full bucket covers two minutes of refill.
	DefaultCapacity int64 = 120000

	// DefaultCost is charged per send attempt: at most one hit every two
	// seconds once the initial burst of Capacity/Cost (60) is spent.
	DefaultCost int64 = 2000

	refillInterval = time.Millisecond
)

// Bucket is a token bucket refilled by the time of its clock. It is safe
// for concurrent use.
type Bucket struct {
	clock    clock.Clock
	limiter  *rate.Limiter
	capacity int64
	cost     int64
	disabled atomic.Bool
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(capacity int64) Option {
	return func(b *Bucket) { b.capacity = capacity }
}

// WithCost overrides DefaultCost.
func WithCost(cost int64) Option {
	return func(b *Bucket) { b.cost = cost }
}

// NewBucket returns a full bucket reading time from c.
func NewBucket(c clock.Clock, opts ...Option) *Bucket {
	b := &Bucket{
		clock:    c,
		capacity: DefaultCapacity,
		cost:     DefaultCost,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.limiter = rate.NewLimiter(rate.Every(refillInterval), int(b.capacity))
	return b
}

// TryConsume charges one send. It returns false, without queueing or
// retrying anything, when the bucket cannot cover the cost.
func (b *Bucket) TryConsume() bool {
	if b.disabled.Load() {
		return true
	}
	now := b.clock.Now()
	if b.limiter.AllowN(now, int(b.cost)) {
		return true
	}
	slog.Warn("excessive tracking detected, hit dropped",
		"tokens", int64(b.limiter.TokensAt(now)), "cost", b.cost)
	return false
}

// SetEnabled toggles limiting. A disabled bucket always succeeds.
func (b *Bucket) SetEnabled(enabled bool) {
	b.disabled.Store(!enabled)
}

// Tokens returns the whole tokens available now.
// Used for diagnostics and tests.
func (b *Bucket) Tokens() int64 {
	return int64(b.limiter.TokensAt(b.clock.Now()))
}

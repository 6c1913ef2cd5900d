// Package clock abstracts wall time and timers so that rate limiting,
// staleness and the connection timers can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used across the pipeline.
//
// Thread-safety: implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (Real) or inside Advance (Fake)
	// once d has elapsed. Callers that touch worker-owned state must post
	// back to the worker from f.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. Returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Millis returns c.Now() as milliseconds since the Unix epoch.
func Millis(c Clock) int64 {
	return c.Now().UnixMilli()
}

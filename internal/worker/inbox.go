package worker

import "sync"

// Inbox is an unbounded FIFO of closures drained by one goroutine.
//
// Post never blocks, so producers and timer callbacks can hand work to
// the worker from any goroutine. The signal channel (buffered, size 1)
// lets a consumer wait on the inbox and a context at the same time.
type Inbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

// NewInbox returns an empty, open inbox.
func NewInbox() *Inbox {
	return &Inbox{
		items:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Post appends fn. Returns false once the inbox is closed.
func (q *Inbox) Post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, fn)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryTake removes the front closure without blocking.
func (q *Inbox) TryTake() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	// Clear the slot so the closure's captures can be collected.
	q.items[0] = nil
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return fn, true
}

// Wait signals that closures may be available. The channel is closed
// when the inbox closes.
func (q *Inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of waiting closures.
func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether the inbox is closed and empty.
func (q *Inbox) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Close stops accepting closures and wakes the waiter.
func (q *Inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

package testutil

import (
	"testing"
	"time"
)

// Connection events recorded by Listener.
const (
	Connected        = "connected"
	Disconnected     = "disconnected"
	ConnectionFailed = "connection_failed"
)

// Listener records connection lifecycle callbacks in arrival order. It
// satisfies proxy.ConnectionListener and may be called from any
// goroutine.
type Listener struct {
	events chan string
	errs   chan error
}

// NewListener returns a Listener buffering up to 64 events.
func NewListener() *Listener {
	return &Listener{
		events: make(chan string, 64),
		errs:   make(chan error, 64),
	}
}

func (l *Listener) OnConnected()    { l.events <- Connected }
func (l *Listener) OnDisconnected() { l.events <- Disconnected }

func (l *Listener) OnConnectionFailed(err error) {
	l.errs <- err
	l.events <- ConnectionFailed
}

// Next waits up to timeout for the next event, failing the test if none
// arrives.
func (l *Listener) Next(t testing.TB, timeout time.Duration) string {
	t.Helper()
	select {
	case ev := <-l.events:
		return ev
	case <-time.After(timeout):
		t.Fatalf("no connection event within %v", timeout)
		return ""
	}
}

// Err returns the most recent OnConnectionFailed error, or nil.
func (l *Listener) Err() error {
	var last error
	for {
		select {
		case err := <-l.errs:
			last = err
		default:
			return last
		}
	}
}

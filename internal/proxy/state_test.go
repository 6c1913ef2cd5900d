package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_Table(t *testing.T) {
	client := Guards{HasClient: true, RetriesLeft: true}
	exhausted := Guards{HasClient: true}
	noClient := Guards{RetriesLeft: true}
	idle := Guards{HasClient: true, RetriesLeft: true, Idle: true}

	tests := []struct {
		name  string
		from  State
		event Event
		g     Guards
		want  State
	}{
		{"put while disconnected connects", Disconnected, EventPut, client, Connecting},
		{"put without client goes local", Disconnected, EventPut, noClient, ConnectedLocal},
		{"start connects", Disconnected, EventStart, client, Connecting},
		{"start without client goes local", Disconnected, EventStart, noClient, ConnectedLocal},
		{"put while connecting buffers", Connecting, EventPut, client, Connecting},
		{"put while pending connection buffers", PendingConnection, EventPut, client, PendingConnection},
		{"put while pending disconnect buffers", PendingDisconnect, EventPut, client, PendingDisconnect},
		{"put while remote forwards", ConnectedRemote, EventPut, client, ConnectedRemote},
		{"put while local forwards", ConnectedLocal, EventPut, client, ConnectedLocal},

		{"bind succeeds", Connecting, EventConnected, client, ConnectedRemote},
		{"late connect after retry scheduled", PendingConnection, EventConnected, client, ConnectedRemote},
		{"late connect after fallback ignored", ConnectedLocal, EventConnected, client, ConnectedLocal},
		{"bind fails with retries", Connecting, EventConnectionFailed, client, PendingConnection},
		{"bind fails without retries", Connecting, EventConnectionFailed, exhausted, ConnectedLocal},
		{"bind times out", Connecting, EventBindTimeout, client, ConnectedLocal},
		{"stale bind timeout ignored", ConnectedRemote, EventBindTimeout, client, ConnectedRemote},

		{"unexpected disconnect retries", ConnectedRemote, EventDisconnected, client, PendingConnection},
		{"unexpected disconnect exhausted", ConnectedRemote, EventDisconnected, exhausted, ConnectedLocal},
		{"requested disconnect completes", PendingDisconnect, EventDisconnected, client, Disconnected},
		{"disconnect while local ignored", ConnectedLocal, EventDisconnected, client, ConnectedLocal},

		{"reconnect fires", PendingConnection, EventReconnect, client, Connecting},
		{"reconnect without client goes local", PendingConnection, EventReconnect, noClient, ConnectedLocal},

		{"idle check disconnects when idle", ConnectedRemote, EventIdleCheck, idle, PendingDisconnect},
		{"idle check keeps busy connection", ConnectedRemote, EventIdleCheck, client, ConnectedRemote},

		{"dispatch never moves", Connecting, EventDispatch, client, Connecting},
		{"clear never moves", Disconnected, EventClearHits, client, Disconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.from, tt.event, tt.g))
		})
	}
}

func TestTransition_Total(t *testing.T) {
	valid := map[State]bool{}
	for _, s := range States {
		valid[s] = true
	}

	for _, s := range States {
		for _, e := range Events {
			for mask := 0; mask < 8; mask++ {
				g := Guards{HasClient: mask&1 != 0, RetriesLeft: mask&2 != 0, Idle: mask&4 != 0}
				first := Transition(s, e, g)
				assert.True(t, valid[first], "%s on %s gave invalid state %d", s, e, first)
				assert.Equal(t, first, Transition(s, e, g), "%s on %s is not deterministic", s, e)
			}
		}
	}
}

func TestTransition_LocalIsAbsorbing(t *testing.T) {
	for _, e := range Events {
		for mask := 0; mask < 8; mask++ {
			g := Guards{HasClient: mask&1 != 0, RetriesLeft: mask&2 != 0, Idle: mask&4 != 0}
			assert.Equal(t, ConnectedLocal, Transition(ConnectedLocal, e, g), "event %s", e)
		}
	}
}

func TestStateAndEventNames(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range States {
		name := s.String()
		assert.NotEqual(t, "unknown", name)
		assert.False(t, seen[name], "duplicate state name %s", name)
		seen[name] = true
	}
	for _, e := range Events {
		assert.NotEqual(t, "unknown", e.String())
	}
}

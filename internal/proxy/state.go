package proxy

// State is the proxy's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	ConnectedRemote
	ConnectedLocal
	PendingConnection
	PendingDisconnect
)

// States lists every state, in declaration order.
var States = []State{Disconnected, Connecting, ConnectedRemote, ConnectedLocal, PendingConnection, PendingDisconnect}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ConnectedRemote:
		return "connected_remote"
	case ConnectedLocal:
		return "connected_local"
	case PendingConnection:
		return "pending_connection"
	case PendingDisconnect:
		return "pending_disconnect"
	default:
		return "unknown"
	}
}

// stateNames is States rendered for the metrics gauge.
func stateNames() []string {
	out := make([]string, len(States))
	for i, s := range States {
		out[i] = s.String()
	}
	return out
}

// Event is something that can move the proxy between states.
type Event int

const (
	EventPut Event = iota
	EventDispatch
	EventClearHits
	EventStart
	EventConnected
	EventDisconnected
	EventConnectionFailed
	EventBindTimeout
	EventReconnect
	EventIdleCheck
)

// Events lists every event, in declaration order.
var Events = []Event{
	EventPut, EventDispatch, EventClearHits, EventStart,
	EventConnected, EventDisconnected, EventConnectionFailed,
	EventBindTimeout, EventReconnect, EventIdleCheck,
}

func (e Event) String() string {
	switch e {
	case EventPut:
		return "put"
	case EventDispatch:
		return "dispatch"
	case EventClearHits:
		return "clear_hits"
	case EventStart:
		return "start"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectionFailed:
		return "connection_failed"
	case EventBindTimeout:
		return "bind_timeout"
	case EventReconnect:
		return "reconnect"
	case EventIdleCheck:
		return "idle_check"
	default:
		return "unknown"
	}
}

// Guards are the facts, besides state and event, that a transition
// depends on.
type Guards struct {
	HasClient   bool // a remote client is attached
	RetriesLeft bool // connect attempts so far < MaxTries
	Idle        bool // nothing buffered and the remote unused for the idle timeout
}

// Transition returns the state that follows s on event e. It is total:
// every (state, event) pair has exactly one result, and pairs with no
// listed transition leave the state unchanged.
func Transition(s State, e Event, g Guards) State {
	switch e {
	case EventPut, EventStart:
		if s == Disconnected {
			return connectOrLocal(g)
		}
	case EventConnected:
		if s == Connecting || s == PendingConnection {
			return ConnectedRemote
		}
	case EventDisconnected:
		switch s {
		case PendingDisconnect:
			return Disconnected
		case Connecting, ConnectedRemote, PendingConnection:
			return retryOrLocal(g)
		}
	case EventConnectionFailed:
		switch s {
		case Connecting, ConnectedRemote, PendingConnection:
			return retryOrLocal(g)
		}
	case EventBindTimeout:
		if s == Connecting {
			return ConnectedLocal
		}
	case EventReconnect:
		if s == PendingConnection {
			return connectOrLocal(g)
		}
	case EventIdleCheck:
		if s == ConnectedRemote && g.Idle {
			return PendingDisconnect
		}
	}
	return s
}

func connectOrLocal(g Guards) State {
	if g.HasClient {
		return Connecting
	}
	return ConnectedLocal
}

func retryOrLocal(g Guards) State {
	if g.RetriesLeft {
		return PendingConnection
	}
	return ConnectedLocal
}

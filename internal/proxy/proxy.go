// Package proxy routes hits either to a remote delivery service or to
// the local durable queue.
//
// The Proxy is a state machine (see Transition) with a single timer slot
// holding at most one of the bind timeout, the reconnect delay or the
// idle check. All methods except the ConnectionListener callbacks must be
// called from the worker's serialized context; callbacks and timer fires
// are posted back to it.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/wire"
)

const (
	// MaxTries is the connect attempt budget before falling back to the
	// local queue for the rest of the process lifetime.
	MaxTries = 2

	DefaultIdleTimeout    = 5 * time.Minute
	DefaultReconnectDelay = 5 * time.Second
	DefaultBindTimeout    = 3 * time.Second
)

// RemoteClient is a connection to an out-of-process delivery service.
// Connect and Disconnect report their outcome asynchronously through
// the ConnectionListener the client was built with.
type RemoteClient interface {
	Connect()
	Disconnect()
	SendHit(params map[string]string, hitTime int64, path string, commands []wire.Command)
	ClearHits()
}

// ConnectionListener receives RemoteClient lifecycle callbacks. Safe to
// call from any goroutine.
type ConnectionListener interface {
	OnConnected()
	OnDisconnected()
	OnConnectionFailed(err error)
}

// LocalStore is the durable fallback path. *store.Queue satisfies it.
type LocalStore interface {
	Put(ctx context.Context, params map[string]string, hitTime int64, path string, commands []wire.Command)
	Dispatch(ctx context.Context) int
	Clear(ctx context.Context, appID int64)
}

// Poster runs closures on the worker's serialized context.
type Poster interface {
	Post(fn func()) bool
}

type timerKind int

const (
	timerNone timerKind = iota
	timerBind
	timerReconnect
	timerIdle
)

type pendingHit struct {
	params   map[string]string
	hitTime  int64
	path     string
	commands []wire.Command
}

// Proxy is the connection state machine.
type Proxy struct {
	ctx     context.Context
	store   LocalStore
	poster  Poster
	client  RemoteClient
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	idleTimeout    time.Duration
	reconnectDelay time.Duration
	bindTimeout    time.Duration

	state           State
	tries           int
	buffer          []pendingHit
	pendingDispatch bool
	pendingClear    bool
	lastRequest     int64 // ms
	started         bool
	closed          bool

	timer    clock.Timer
	armed    timerKind
	timerGen uint64
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithContext sets the context passed to LocalStore calls.
func WithContext(ctx context.Context) Option {
	return func(p *Proxy) { p.ctx = ctx }
}

// WithClock sets the clock for timers and idle accounting.
func WithClock(c clock.Clock) Option {
	return func(p *Proxy) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithMetrics publishes state changes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.idleTimeout = d }
}

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(p *Proxy) { p.reconnectDelay = d }
}

// WithBindTimeout overrides DefaultBindTimeout.
func WithBindTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.bindTimeout = d }
}

// New creates a Disconnected proxy over store.
func New(store LocalStore, poster Poster, opts ...Option) *Proxy {
	p := &Proxy{
		ctx:            context.Background(),
		store:          store,
		poster:         poster,
		clock:          clock.Real(),
		logger:         slog.Default(),
		idleTimeout:    DefaultIdleTimeout,
		reconnectDelay: DefaultReconnectDelay,
		bindTimeout:    DefaultBindTimeout,
		state:          Disconnected,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics.SetProxyState(p.state.String(), stateNames())
	return p
}

// State returns the current state.
func (p *Proxy) State() State { return p.state }

// Buffered returns the number of hits waiting for a connection.
func (p *Proxy) Buffered() int { return len(p.buffer) }

// Start attaches the remote client, or nil to use the local queue only,
// and begins connecting. Only the first call has any effect.
func (p *Proxy) Start(client RemoteClient) {
	if p.started {
		return
	}
	p.started = true
	p.client = client
	p.handle(EventStart)
}

// Put routes one formatted hit.
func (p *Proxy) Put(params map[string]string, hitTime int64, path string, commands []wire.Command) {
	if p.closed {
		return
	}
	p.buffer = append(p.buffer, pendingHit{params: params, hitTime: hitTime, path: path, commands: commands})
	p.handle(EventPut)
}

// Dispatch asks the local queue to send what it holds. Before the proxy
// has reached a connected state the request is latched.
func (p *Proxy) Dispatch() {
	p.handle(EventDispatch)
}

// ClearHits drops buffered hits and clears the active backend. Before
// the proxy has reached a connected state the backend clear is latched.
func (p *Proxy) ClearHits() {
	p.buffer = nil
	p.handle(EventClearHits)
}

// OnConnected implements ConnectionListener.
func (p *Proxy) OnConnected() {
	p.post(func() { p.handle(EventConnected) })
}

// OnDisconnected implements ConnectionListener.
func (p *Proxy) OnDisconnected() {
	p.post(func() { p.handle(EventDisconnected) })
}

// OnConnectionFailed implements ConnectionListener.
func (p *Proxy) OnConnectionFailed(err error) {
	p.post(func() {
		p.logger.Warn("remote service unavailable", "error", err, "tries", p.tries)
		p.handle(EventConnectionFailed)
	})
}

// Close flushes buffered hits to the local queue so they survive a
// restart, cancels the timer and drops a remote connection.
func (p *Proxy) Close() {
	if p.closed {
		return
	}
	p.cancelTimer()
	if len(p.buffer) > 0 && p.state != ConnectedRemote {
		p.flushLocal()
	}
	if p.client != nil && (p.state == ConnectedRemote || p.state == Connecting) {
		p.client.Disconnect()
	}
	p.closed = true
}

func (p *Proxy) guards() Guards {
	return Guards{
		HasClient:   p.client != nil,
		RetriesLeft: p.tries < MaxTries,
		Idle: len(p.buffer) == 0 &&
			p.lastRequest+p.idleTimeout.Milliseconds() < clock.Millis(p.clock),
	}
}

func (p *Proxy) handle(ev Event) {
	if p.closed {
		return
	}
	from := p.state
	to := Transition(from, ev, p.guards())
	if to == from {
		p.stay(ev)
		return
	}

	p.logger.Debug("proxy transition", "from", from, "to", to, "event", ev)
	p.state = to
	p.metrics.SetProxyState(to.String(), stateNames())
	p.enter(to)
}

// enter runs the entry action of a newly reached state.
func (p *Proxy) enter(s State) {
	switch s {
	case Connecting:
		p.tries++
		p.arm(timerBind, p.bindTimeout)
		p.logger.Debug("connecting to remote service", "attempt", p.tries)
		p.client.Connect()
	case ConnectedRemote:
		p.cancelTimer()
		p.tries = 0
		p.logger.Info("connected to remote service")
		p.flushRemote()
		p.arm(timerIdle, p.idleTimeout)
	case ConnectedLocal:
		p.cancelTimer()
		p.logger.Info("falling back to local store")
		p.flushLocal()
	case PendingConnection:
		p.logger.Debug("will retry remote connection", "delay", p.reconnectDelay)
		p.arm(timerReconnect, p.reconnectDelay)
	case PendingDisconnect:
		p.cancelTimer()
		p.logger.Debug("disconnecting due to inactivity")
		p.client.Disconnect()
	case Disconnected:
		p.cancelTimer()
		p.logger.Debug("disconnected from remote service")
		// Hits put while disconnecting would otherwise wait for the next Put.
		if len(p.buffer) > 0 {
			p.handle(EventStart)
		}
	}
}

// stay handles an event that did not change the state.
func (p *Proxy) stay(ev Event) {
	switch ev {
	case EventPut:
		switch p.state {
		case ConnectedRemote:
			p.flushRemote()
		case ConnectedLocal:
			p.flushLocal()
		}
	case EventDispatch:
		switch p.state {
		case ConnectedLocal:
			p.dispatchLocal()
		case ConnectedRemote:
			// the remote service schedules its own dispatch
		default:
			p.pendingDispatch = true
		}
	case EventClearHits:
		switch p.state {
		case ConnectedLocal:
			p.store.Clear(p.ctx, 0)
			p.pendingClear = false
		case ConnectedRemote:
			p.client.ClearHits()
			p.pendingClear = false
		default:
			p.pendingClear = true
		}
	case EventIdleCheck:
		if p.state == ConnectedRemote {
			p.arm(timerIdle, p.idleTimeout)
		}
	case EventConnected:
		if p.state == ConnectedLocal && p.client != nil {
			p.logger.Debug("late remote connection after fallback, dropping it")
			p.client.Disconnect()
		}
	case EventDisconnected, EventConnectionFailed:
		if p.state == PendingConnection {
			p.arm(timerReconnect, p.reconnectDelay)
		}
	}
}

func (p *Proxy) flushRemote() {
	if p.pendingClear {
		p.client.ClearHits()
		p.pendingClear = false
	}
	for _, h := range p.buffer {
		p.client.SendHit(h.params, h.hitTime, h.path, h.commands)
	}
	p.buffer = nil
	p.lastRequest = clock.Millis(p.clock)
}

func (p *Proxy) flushLocal() {
	if p.pendingClear {
		p.store.Clear(p.ctx, 0)
		p.pendingClear = false
	}
	for _, h := range p.buffer {
		p.store.Put(p.ctx, h.params, h.hitTime, h.path, h.commands)
	}
	p.buffer = nil
	if p.pendingDispatch {
		p.dispatchLocal()
	}
}

func (p *Proxy) dispatchLocal() {
	p.pendingDispatch = false
	p.store.Dispatch(p.ctx)
}

// arm replaces whatever occupies the timer slot.
func (p *Proxy) arm(kind timerKind, d time.Duration) {
	p.cancelTimer()
	p.timerGen++
	gen := p.timerGen
	p.armed = kind
	p.timer = p.clock.AfterFunc(d, func() {
		p.post(func() { p.fire(kind, gen) })
	})
}

func (p *Proxy) cancelTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = nil
	p.armed = timerNone
}

func (p *Proxy) fire(kind timerKind, gen uint64) {
	// The slot may have been cancelled or re-armed after the timer
	// fired but before this ran on the worker.
	if p.timer == nil || p.timerGen != gen {
		return
	}
	p.timer = nil
	p.armed = timerNone

	switch kind {
	case timerBind:
		p.logger.Warn("remote bind timed out", "timeout", p.bindTimeout)
		p.handle(EventBindTimeout)
	case timerReconnect:
		p.handle(EventReconnect)
	case timerIdle:
		p.handle(EventIdleCheck)
	}
}

func (p *Proxy) post(fn func()) {
	if !p.poster.Post(fn) {
		p.logger.Debug("proxy event dropped, worker closed")
	}
}

package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/config"
	"github.com/roach88/beacon/internal/dispatch"
	"github.com/roach88/beacon/internal/kvstore"
	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/proxy"
	"github.com/roach88/beacon/internal/ratelimit"
	"github.com/roach88/beacon/internal/relay"
	"github.com/roach88/beacon/internal/scheduler"
	"github.com/roach88/beacon/internal/store"
	"github.com/roach88/beacon/internal/version"
	"github.com/roach88/beacon/internal/worker"
)

// Analytics owns one pipeline: the worker, the durable queue, the
// dispatch scheduler and the trackers feeding them.
type Analytics struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	usage   *usage

	httpClient *http.Client
	remote     worker.RemoteFactory
	offline    bool
	connected  atomic.Bool

	kv      *kvstore.Files
	queue   *store.Queue
	sched   *scheduler.Scheduler
	worker  *worker.Worker
	network *dispatch.Network
	noop    *dispatch.Noop

	cancel context.CancelFunc
	runErr chan error

	mu             sync.Mutex
	trackers       map[string]*Tracker
	defaultTracker *Tracker
	appOptOut      *bool
	language       string
	closed         bool
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	State     string `json:"state"`
	Buffered  int    `json:"buffered"`
	Queued    int    `json:"queued"`
	PowerSave bool   `json:"power_save"`
	ClientID  string `json:"client_id"`
	OptOut    bool   `json:"opt_out"`
	Period    string `json:"dispatch_period"`
}

// Option configures Analytics.
type Option func(*Analytics)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(a *Analytics) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analytics) { a.logger = l }
}

// WithMetrics records pipeline activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analytics) { a.metrics = m }
}

// WithHTTPClient sets the client used by the network transport.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Analytics) { a.httpClient = c }
}

// WithRemote overrides the remote delivery client. By default the relay
// client is used when the relay is enabled in the configuration.
func WithRemote(f worker.RemoteFactory) Option {
	return func(a *Analytics) { a.remote = f }
}

// WithOffline starts the pipeline with the network reported down, so
// nothing is delivered until UpdateConnectivity(true).
func WithOffline() Option {
	return func(a *Analytics) { a.offline = true }
}

// New builds and starts the pipeline described by cfg.
func New(cfg *config.Config, opts ...Option) (*Analytics, error) {
	a := &Analytics{
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   slog.Default(),
		usage:    &usage{},
		trackers: make(map[string]*Tracker),
		runErr:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: cfg.Dispatch.Timeout}
	}
	a.connected.Store(!a.offline)

	ua := dispatch.DefaultUserAgent(version.Product, version.Version)
	a.language = cfg.App.Language
	if a.language == "" {
		a.language = ua.Language
	}

	kv, err := kvstore.Open(cfg.StateDir(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}
	a.kv = kv

	a.sched = scheduler.New(a.dispatchNow,
		scheduler.WithClock(a.clock),
		scheduler.WithLogger(a.logger),
		scheduler.WithPeriod(cfg.Dispatch.Period),
	)
	if a.offline {
		a.sched.UpdateConnectivity(false)
	}

	a.network = dispatch.NewNetwork(
		dispatch.WithHTTPClient(a.httpClient),
		dispatch.WithUserAgent(ua.String()),
		dispatch.WithConnectivity(dispatch.ConnectivityFunc(a.connected.Load)),
		dispatch.WithFallbackURL(cfg.Dispatch.SecureURL),
		dispatch.WithNetworkClock(a.clock),
		dispatch.WithNetworkLogger(a.logger),
		dispatch.WithNetworkMetrics(a.metrics),
	)
	a.noop = dispatch.NewNoop(a.clock, a.logger, a.metrics)

	queue, err := store.Open(cfg.DatabasePath(),
		store.WithClock(a.clock),
		store.WithLogger(a.logger),
		store.WithMetrics(a.metrics),
		store.WithCapacity(cfg.Queue.Capacity),
		store.WithListener(a.sched),
		store.WithRedispatch(a.sched.Dispatch),
		store.WithDispatcher(a.dispatcher(cfg.Dispatch.DryRun)),
	)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	a.queue = queue

	remote := a.remote
	if remote == nil && cfg.Relay.Enabled {
		socket := cfg.Relay.Socket
		remote = func(l proxy.ConnectionListener) proxy.RemoteClient {
			return relay.NewClient(socket, l, relay.WithClientLogger(a.logger))
		}
	}

	wopts := []worker.Option{
		worker.WithClock(a.clock),
		worker.WithLogger(a.logger),
		worker.WithMetrics(a.metrics),
		worker.WithKV(kv),
		worker.WithApp(worker.AppInfo{
			Name:        cfg.App.Name,
			Version:     cfg.App.Version,
			ID:          cfg.App.ID,
			InstallerID: cfg.App.InstallerID,
		}),
		worker.WithCollectors(cfg.Dispatch.SecureURL, cfg.Dispatch.InsecureURL),
		worker.WithProxyOptions(
			proxy.WithIdleTimeout(cfg.Proxy.IdleTimeout),
			proxy.WithBindTimeout(cfg.Proxy.BindTimeout),
			proxy.WithReconnectDelay(cfg.Proxy.ReconnectDelay),
		),
	}
	if remote != nil {
		wopts = append(wopts, worker.WithRemote(remote))
	}
	a.worker = worker.New(queue, wopts...)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() { a.runErr <- a.worker.Run(ctx) }()
	a.sched.Start(a.worker)

	a.worker.RequestAppOptOut(func(optOut bool) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.appOptOut == nil {
			a.appOptOut = &optOut
		}
	})
	return a, nil
}

// dispatchNow runs on the worker for every scheduled or requested cycle.
func (a *Analytics) dispatchNow() {
	a.worker.DispatchNow()
}

func (a *Analytics) dispatcher(dryRun bool) store.Dispatcher {
	if dryRun {
		return a.noop
	}
	return a.network
}

// Tracker returns the tracker for trackingID, creating it on first use.
// The first tracker created becomes the default tracker.
func (a *Analytics) Tracker(trackingID string) (*Tracker, error) {
	if trackingID == "" {
		return nil, ErrEmptyTrackingID
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.usage.record(apiGetTracker)
	if t, ok := a.trackers[trackingID]; ok {
		return t, nil
	}

	limiter := ratelimit.NewBucket(a.clock)
	limiter.SetEnabled(a.cfg.Dispatch.RateLimit)
	t := newTracker(trackingID, a, limiter, a.usage, a.logger, a.metrics)
	a.trackers[trackingID] = t
	if a.defaultTracker == nil {
		a.defaultTracker = t
	}
	return t, nil
}

// DefaultTracker returns the default tracker, or nil if there is none.
func (a *Analytics) DefaultTracker() *Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.record(apiGetDefaultTracker)
	return a.defaultTracker
}

// SetDefaultTracker makes t the default tracker.
func (a *Analytics) SetDefaultTracker(t *Tracker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaultTracker = t
}

func (a *Analytics) closeTracker(t *Tracker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, tracked := range a.trackers {
		if tracked == t {
			delete(a.trackers, id)
		}
	}
	if a.defaultTracker == t {
		a.defaultTracker = nil
	}
}

// sendHit adds the process-wide fields and hands the hit to the worker.
func (a *Analytics) sendHit(hit map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	hit[FieldLanguage] = a.language
	if res := a.cfg.App.ScreenResolution; res != "" {
		hit[FieldScreenRes] = res
	}
	hit[FieldUsage] = a.usage.take()
	a.worker.SendHit(hit)
}

// Dispatch sends queued hits now.
func (a *Analytics) Dispatch() {
	a.usage.record(apiDispatch)
	a.worker.Dispatch()
}

// SetDispatchPeriod changes the automatic dispatch period; zero or less
// disables automatic dispatch.
func (a *Analytics) SetDispatchPeriod(d time.Duration) {
	a.usage.record(apiSetDispatchPeriod)
	a.sched.SetDispatchPeriod(d)
}

// SetDryRun switches between the network transport and a transport that
// only logs. Hits dispatched in dry-run mode are deleted.
func (a *Analytics) SetDryRun(dryRun bool) {
	a.usage.record(apiSetDryRun)
	d := a.dispatcher(dryRun)
	a.worker.Post(func() { a.queue.SetDispatcher(d) })
}

// UpdateConnectivity reports a network change to the transport and the
// scheduler.
func (a *Analytics) UpdateConnectivity(connected bool) {
	a.connected.Store(connected)
	a.sched.UpdateConnectivity(connected)
}

// ClearHits drops every hit not yet delivered.
func (a *Analytics) ClearHits() {
	a.worker.ClearHits()
}

// SetAppOptOut turns app-wide opt-out on or off. Opting out clears every
// hit not yet delivered.
func (a *Analytics) SetAppOptOut(optOut bool) {
	a.usage.record(apiSetAppOptOut)
	a.mu.Lock()
	a.appOptOut = &optOut
	a.mu.Unlock()
	a.worker.SetAppOptOut(optOut)
}

// RequestAppOptOut reports the opt-out flag to cb. It runs immediately
// once the flag is known, otherwise on the worker goroutine.
func (a *Analytics) RequestAppOptOut(cb func(optOut bool)) {
	a.usage.record(apiRequestAppOptOut)
	a.mu.Lock()
	known := a.appOptOut
	a.mu.Unlock()
	if known != nil {
		cb(*known)
		return
	}
	a.worker.RequestAppOptOut(cb)
}

// ClientID returns the persistent client id.
func (a *Analytics) ClientID(ctx context.Context) (string, error) {
	ch := make(chan string, 1)
	if !a.worker.RequestClientID(func(id string) { ch <- id }) {
		return "", ErrClosed
	}
	return awaitWorker[string](ctx, a.worker, ch)
}

// awaitWorker waits for a reply posted to the worker. A worker that has
// halted will not reply, unless it already did.
func awaitWorker[T any](ctx context.Context, w *worker.Worker, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-w.Halted():
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Status reports the pipeline state. The requests run in order on the
// worker goroutine, so the last one sees the fields the others filled.
func (a *Analytics) Status(ctx context.Context) (Status, error) {
	var st Status
	ch := make(chan Status, 1)
	a.worker.RequestProxyState(func(state proxy.State, buffered int) {
		st.State = state.String()
		st.Buffered = buffered
	})
	a.worker.RequestClientID(func(id string) { st.ClientID = id })
	posted := a.worker.Post(func() {
		st.Queued = a.queue.Count(ctx)
		st.PowerSave = a.sched.PowerSave()
		st.Period = a.sched.Period().String()
		ch <- st
	})
	if !posted {
		return Status{}, ErrClosed
	}

	st, err := awaitWorker[Status](ctx, a.worker, ch)
	if err != nil {
		return Status{}, err
	}
	a.mu.Lock()
	if a.appOptOut != nil {
		st.OptOut = *a.appOptOut
	}
	a.mu.Unlock()
	return st, nil
}

// Close stops the pipeline. Hits still in memory are moved to the
// durable queue before Close returns. If ctx ends first the worker is
// cancelled.
func (a *Analytics) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.sched.Stop()
	a.worker.Close()

	var runErr error
	select {
	case runErr = <-a.runErr:
	case <-ctx.Done():
		a.cancel()
		runErr = <-a.runErr
	}
	a.cancel()

	if err := a.queue.Close(); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	return runErr
}

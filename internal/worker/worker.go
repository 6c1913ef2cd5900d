// Package worker is the single serialized execution context of the hit
// pipeline.
//
// Every mutation of pipeline state (the proxy, its buffer and timers,
// identity and opt-out) happens inside closures drained from one inbox
// by Run. Producer-facing methods only post closures and return.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/proxy"
	"github.com/roach88/beacon/internal/wire"
)

// Names of the persisted identity values.
const (
	ClientIDKey        = "clientId"
	OptOutKey          = "optOut"
	InstallCampaignKey = "installCampaign"

	// UnstoredClientID is used when a generated id cannot be persisted.
	UnstoredClientID = "0"

	maxClientIDLength = 128
)

// Default collector endpoints.
const (
	DefaultSecureURL   = "https://ssl.google-analytics.com/collect"
	DefaultInsecureURL = "http://www.google-analytics.com/collect"
)

// KV persists small named values. *kvstore.Files satisfies it.
type KV interface {
	Get(name string) ([]byte, bool)
	Put(name string, value []byte) error
	Delete(name string) error
	Exists(name string) bool
}

// RemoteFactory builds the remote client, wired to report its lifecycle
// to listener.
type RemoteFactory func(listener proxy.ConnectionListener) proxy.RemoteClient

// Worker owns the pipeline's serialized context.
type Worker struct {
	inbox    *Inbox
	done     chan struct{}
	once     sync.Once
	halted   chan struct{}
	haltOnce sync.Once
	disabled atomic.Bool

	proxy    *proxy.Proxy
	kv       KV
	dict     wire.Dictionary
	commands []wire.Command
	remote   RemoteFactory
	app      AppInfo
	secure   string
	insecure string

	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	proxyOpts []proxy.Option

	// Only touched on the worker goroutine.
	clientID        string
	appOptOut       bool
	installCampaign string
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock sets the clock used for hit times and proxy timers.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics records drops and proxy state into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithKV sets the identity store. Without one, a fresh client id is
// generated per process and opt-out is not remembered.
func WithKV(kv KV) Option {
	return func(w *Worker) { w.kv = kv }
}

// WithDictionary overrides the embedded field dictionary.
func WithDictionary(d wire.Dictionary) Option {
	return func(w *Worker) { w.dict = d }
}

// WithApp sets the app identity added to every hit.
func WithApp(app AppInfo) Option {
	return func(w *Worker) { w.app = app }
}

// WithCollectors sets the secure and insecure collector URLs.
func WithCollectors(secure, insecure string) Option {
	return func(w *Worker) {
		if secure != "" {
			w.secure = secure
		}
		if insecure != "" {
			w.insecure = insecure
		}
	}
}

// WithRemote makes the proxy try a remote delivery service first.
func WithRemote(f RemoteFactory) Option {
	return func(w *Worker) { w.remote = f }
}

// WithProxyOptions passes options through to the proxy.
func WithProxyOptions(opts ...proxy.Option) Option {
	return func(w *Worker) { w.proxyOpts = append(w.proxyOpts, opts...) }
}

// New creates a worker that routes hits to store, directly or through a
// remote service. Nothing runs until Run is called; initialization is
// the first item in the inbox.
func New(store proxy.LocalStore, opts ...Option) *Worker {
	w := &Worker{
		inbox:    NewInbox(),
		done:     make(chan struct{}),
		halted:   make(chan struct{}),
		commands: wire.DefaultCommands(),
		secure:   DefaultSecureURL,
		insecure: DefaultInsecureURL,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.dict == nil {
		w.dict = wire.MustLoadDictionary()
	}

	popts := []proxy.Option{
		proxy.WithClock(w.clock),
		proxy.WithLogger(w.logger),
		proxy.WithMetrics(w.metrics),
	}
	w.proxy = proxy.New(store, w, append(popts, w.proxyOpts...)...)

	w.inbox.Post(w.initialize)
	return w
}

// Post queues fn for the worker goroutine. It satisfies the Poster
// interfaces of the proxy and scheduler. Returns false after Close or
// once a panic has disabled the worker.
func (w *Worker) Post(fn func()) bool {
	if w.disabled.Load() {
		return false
	}
	return w.inbox.Post(fn)
}

// Run drains the inbox until Close has been called and everything
// queued before it has run, or until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.once.Do(func() { close(w.done) })
	defer w.halt()
	w.logger.Debug("worker starting")

	for {
		if fn, ok := w.inbox.TryTake(); ok {
			w.runItem(fn)
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Debug("worker stopping: context cancelled")
			w.inbox.Close()
			w.proxy.Close()
			return ctx.Err()

		case <-w.inbox.Wait():
			if w.inbox.Drained() {
				w.logger.Debug("worker stopping: inbox closed")
				return nil
			}
		}
	}
}

// runItem runs one closure. A panic disables the worker: later items are
// discarded rather than run against state the panic may have left
// inconsistent.
func (w *Worker) runItem(fn func()) {
	if w.disabled.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.disabled.Store(true)
			w.halt()
			w.logger.Error("worker item panicked, telemetry disabled",
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Halted is closed once the worker will run no more items: Run has
// returned or a panic disabled it. Replies still pending then never come.
func (w *Worker) Halted() <-chan struct{} {
	return w.halted
}

func (w *Worker) halt() {
	w.haltOnce.Do(func() { close(w.halted) })
}

// Close stops accepting work. Items already queued still run, then the
// proxy moves any buffered hits to the local queue and Run returns.
func (w *Worker) Close() {
	if w.inbox.Post(w.proxy.Close) {
		w.inbox.Close()
	}
}

func (w *Worker) initialize() {
	w.appOptOut = w.loadAppOptOut()
	w.clientID = w.loadClientID()
	w.installCampaign = w.takeInstallCampaign()

	var client proxy.RemoteClient
	if w.remote != nil {
		client = w.remote(w.proxy)
	}
	w.proxy.Start(client)
}

// SendHit queues a copy of hit for enrichment, formatting and routing.
// The hit time is taken now, on the caller's goroutine. Returns false if
// the worker is closed.
func (w *Worker) SendHit(hit map[string]string) bool {
	hitCopy := maps.Clone(hit)
	if hitCopy == nil {
		hitCopy = make(map[string]string)
	}
	hitTime := clock.Millis(w.clock)
	hitCopy[FieldHitTime] = strconv.FormatInt(hitTime, 10)

	if !w.inbox.Post(func() { w.processHit(hitCopy, hitTime) }) {
		w.metrics.HitDropped(metrics.DropClosed)
		return false
	}
	return true
}

func (w *Worker) processHit(hit map[string]string, hitTime int64) {
	hit[FieldClientID] = w.clientID

	if w.appOptOut {
		w.metrics.HitDropped(metrics.DropOptedOut)
		return
	}
	if sampledOut(hit) {
		w.logger.Debug("hit sampled out", "sample_rate", hit[FieldSampleRate])
		w.metrics.HitDropped(metrics.DropSampledOut)
		return
	}
	if w.installCampaign != "" {
		hit[FieldCampaign] = w.installCampaign
		w.installCampaign = ""
	}
	fillAppParameters(hit, w.app)
	fillCampaignParameters(hit)

	params := wire.Format(w.dict, hit)
	w.proxy.Put(params, hitTime, hostURL(hit, w.secure, w.insecure), w.commands)
}

// Dispatch asks the pipeline to send what the local queue holds.
func (w *Worker) Dispatch() {
	w.inbox.Post(w.DispatchNow)
}

// DispatchNow dispatches immediately. It must run on the worker, which
// is how the scheduler's posted timer callbacks invoke it.
func (w *Worker) DispatchNow() {
	w.proxy.Dispatch()
}

// ClearHits drops every hit not yet delivered.
func (w *Worker) ClearHits() {
	w.inbox.Post(w.proxy.ClearHits)
}

// SetAppOptOut persists the opt-out flag. Opting out clears every hit
// not yet delivered.
func (w *Worker) SetAppOptOut(optOut bool) {
	w.inbox.Post(func() {
		if w.appOptOut == optOut {
			return
		}
		if optOut {
			if w.kv != nil {
				if err := w.kv.Put(OptOutKey, nil); err != nil {
					w.logger.Warn("could not persist opt-out", "error", err)
				}
			}
			w.proxy.ClearHits()
		} else if w.kv != nil {
			if err := w.kv.Delete(OptOutKey); err != nil {
				w.logger.Warn("could not remove opt-out", "error", err)
			}
		}
		w.appOptOut = optOut
	})
}

// RequestAppOptOut reports the opt-out flag to cb, from the worker
// goroutine, once everything queued before it has run. Returns false if
// cb will never run.
func (w *Worker) RequestAppOptOut(cb func(optOut bool)) bool {
	return w.Post(func() { cb(w.appOptOut) })
}

// RequestClientID reports the client id to cb from the worker goroutine.
func (w *Worker) RequestClientID(cb func(clientID string)) bool {
	return w.Post(func() { cb(w.clientID) })
}

// RequestProxyState reports the connection state to cb from the worker
// goroutine.
func (w *Worker) RequestProxyState(cb func(state proxy.State, buffered int)) bool {
	return w.Post(func() { cb(w.proxy.State(), w.proxy.Buffered()) })
}

func (w *Worker) loadAppOptOut() bool {
	return w.kv != nil && w.kv.Exists(OptOutKey)
}

func (w *Worker) loadClientID() string {
	if w.kv == nil {
		return uuid.NewString()
	}
	if data, ok := w.kv.Get(ClientIDKey); ok {
		id := strings.TrimSpace(string(data))
		if id != "" && len(data) <= maxClientIDLength {
			return id
		}
		w.logger.Warn("client id value corrupt, regenerating it")
		if err := w.kv.Delete(ClientIDKey); err != nil {
			w.logger.Warn("could not delete client id", "error", err)
		}
	}

	id := strings.ToLower(uuid.NewString())
	if err := w.kv.Put(ClientIDKey, []byte(id)); err != nil {
		w.logger.Error("could not store client id", "error", err)
		return UnstoredClientID
	}
	return id
}

// takeInstallCampaign reads and deletes the one-shot install campaign.
func (w *Worker) takeInstallCampaign() string {
	if w.kv == nil {
		return ""
	}
	data, ok := w.kv.Get(InstallCampaignKey)
	if err := w.kv.Delete(InstallCampaignKey); err != nil {
		w.logger.Warn("could not delete install campaign", "error", err)
	}
	if !ok {
		return ""
	}
	if len(data) == 0 {
		w.logger.Warn("install campaign is empty")
		return ""
	}
	campaign := string(data)
	w.logger.Info("install campaign found", "campaign", campaign)
	return campaign
}

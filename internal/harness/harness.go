package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/config"
	"github.com/roach88/beacon/internal/tracker"
)

// Epoch is the instant every scenario's clock starts at.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// maxSettle bounds the idle checks after one step.
const maxSettle = 10

// Harness drives one scenario against a live pipeline.
type Harness struct {
	cfg       *config.Config
	clock     *clock.Fake
	logger    *slog.Logger
	collector *collector
	server    *httptest.Server

	analytics *tracker.Analytics
	online    bool
	seen      int
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the pipeline's logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh data directory and collector, removed on return.
// An error means the pipeline itself could not be driven; assertion
// failures are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	dir, err := os.MkdirTemp("", "beacon-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		clock:     clock.NewFake(Epoch),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		collector: &collector{},
		online:    true,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.server = httptest.NewServer(h.collector)
	defer h.server.Close()

	h.cfg, err = scenarioConfig(scenario, dir, h.server.URL+"/collect")
	if err != nil {
		return nil, err
	}

	if err := h.start(); err != nil {
		return nil, err
	}
	defer func() {
		if h.analytics != nil {
			_ = h.analytics.Close(context.Background())
		}
	}()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Do, err)
		}
		event, err := h.settle(ctx)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Do, err)
		}
		event.Seq = i + 1
		event.Step = describe(step)
		result.Trace = append(result.Trace, event)
		result.Queued = event.Queued

		h.logger.Debug("scenario step completed", "step", i, "do", step.Do, "queued", event.Queued)
	}
	result.Deliveries = h.collector.snapshot()

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(s *Scenario, dir, collectURL string) (*config.Config, error) {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Relay.Socket = ""
	cfg.Relay.Enabled = false
	cfg.Dispatch.SecureURL = collectURL
	cfg.Dispatch.InsecureURL = collectURL
	cfg.Dispatch.DryRun = s.Config.DryRun
	cfg.App = config.AppConfig{Name: "harness", Version: "1.0", Language: "en-us"}

	if s.Config.Period != "" {
		d, err := time.ParseDuration(s.Config.Period)
		if err != nil {
			return nil, fmt.Errorf("config.period: %w", err)
		}
		cfg.Dispatch.Period = d
	}
	if s.Config.RateLimit != nil {
		cfg.Dispatch.RateLimit = *s.Config.RateLimit
	}
	if s.Config.Capacity > 0 {
		cfg.Queue.Capacity = s.Config.Capacity
	}
	return cfg, nil
}

func (h *Harness) start() error {
	opts := []tracker.Option{
		tracker.WithClock(h.clock),
		tracker.WithLogger(h.logger),
		tracker.WithHTTPClient(h.server.Client()),
	}
	if !h.online {
		opts = append(opts, tracker.WithOffline())
	}
	a, err := tracker.New(h.cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	h.analytics = a
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	a := h.analytics
	switch step.Do {
	case DoSend:
		id := step.Tracker
		if id == "" {
			id = DefaultTrackingID
		}
		t, err := a.Tracker(id)
		if err != nil {
			return err
		}
		return t.Send(step.HitType, step.Fields)
	case DoDispatch:
		a.Dispatch()
	case DoOnline, DoOffline:
		h.online = step.Do == DoOnline
		a.UpdateConnectivity(h.online)
	case DoAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
	case DoPeriod:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		a.SetDispatchPeriod(d)
	case DoOptOut, DoOptIn:
		a.SetAppOptOut(step.Do == DoOptOut)
	case DoClear:
		a.ClearHits()
	case DoRestart:
		err := a.Close(ctx)
		h.analytics = nil
		if err != nil {
			return fmt.Errorf("failed to close pipeline: %w", err)
		}
		return h.start()
	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}
	return nil
}

// settle waits until the worker is idle and nothing more arrives, then
// reports what the step delivered.
func (h *Harness) settle(ctx context.Context) (TraceEvent, error) {
	var (
		st        tracker.Status
		err       error
		delivered = -1
	)
	for range maxSettle {
		st, err = h.analytics.Status(ctx)
		if err != nil {
			return TraceEvent{}, err
		}
		n := h.collector.count()
		if n == delivered {
			break
		}
		delivered = n
	}

	var event TraceEvent
	deliveries := h.collector.snapshot()
	for _, d := range deliveries[h.seen:] {
		event.Delivered = append(event.Delivered, d.HitType())
	}
	h.seen = len(deliveries)
	event.Queued = st.Queued
	return event, nil
}

func describe(s Step) string {
	switch s.Do {
	case DoSend:
		return s.Do + " " + s.HitType
	case DoAdvance, DoPeriod:
		return s.Do + " " + s.Duration
	default:
		return s.Do
	}
}

// collector records every hit it receives.
type collector struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.RawQuery
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw = string(body)
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	params := make(map[string]string, len(values))
	for k, v := range values {
		params[k] = v[0]
	}

	c.mu.Lock()
	c.deliveries = append(c.deliveries, Delivery{Method: r.Method, Params: params})
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func (c *collector) snapshot() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.deliveries...)
}

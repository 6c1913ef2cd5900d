// Package metrics exposes Prometheus collectors for the hit pipeline.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional collector set without nil checks at every call site.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beacon"

// Drop reasons recorded by HitDropped.
const (
	DropRateLimited = "rate_limited"
	DropSampledOut  = "sampled_out"
	DropOptedOut    = "opted_out"
	DropStoreFault  = "store_fault"
	DropEmptyPath   = "empty_path"
	DropOversized   = "oversized"
	DropNoDest      = "no_destination"
	DropClosed      = "closed"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	mu sync.Mutex

	hitsStored     prometheus.Counter
	hitsEvicted    prometheus.Counter
	hitsDropped    *prometheus.CounterVec
	hitsDispatched *prometheus.CounterVec
	dispatchErrors *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	proxyState     *prometheus.GaugeVec
	relaySessions  prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// New creates collectors that Register will add to registerer
// (prometheus.DefaultRegisterer when nil).
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		hitsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "hits_stored_total",
			Help: "Hits written to the durable queue",
		}),
		hitsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "hits_evicted_total",
			Help: "Hits evicted to keep the durable queue under capacity",
		}),
		hitsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "hits_dropped_total",
			Help: "Hits discarded before delivery, by reason",
		}, []string{"reason"}),
		hitsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "hits_total",
			Help: "Hits handled by a transport, by transport",
		}, []string{"transport"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "errors_total",
			Help: "Batches stopped early by a transport failure, by error class",
		}, []string{"class"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "queue_depth",
			Help: "Hits currently waiting in the durable queue",
		}),
		proxyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		relaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "sessions",
			Help: "Connected relay clients",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.hitsStored,
		m.hitsEvicted,
		m.hitsDropped,
		m.hitsDispatched,
		m.dispatchErrors,
		m.queueDepth,
		m.proxyState,
		m.relaySessions,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HitStored records one durable insert.
func (m *Metrics) HitStored() {
	if m == nil {
		return
	}
	m.hitsStored.Inc()
}

// HitsEvicted records n capacity evictions.
func (m *Metrics) HitsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.hitsEvicted.Add(float64(n))
}

// HitDropped records a discarded hit.
func (m *Metrics) HitDropped(reason string) {
	if m == nil {
		return
	}
	m.hitsDropped.WithLabelValues(reason).Inc()
}

// HitsDispatched records n hits handled by transport.
func (m *Metrics) HitsDispatched(transport string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.hitsDispatched.WithLabelValues(transport).Add(float64(n))
}

// DispatchError records a batch cut short, labelled with its error class.
func (m *Metrics) DispatchError(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unknown"
	}
	m.dispatchErrors.WithLabelValues(class).Inc()
}

// SetQueueDepth publishes the durable queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetProxyState marks state as current among all.
func (m *Metrics) SetProxyState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.proxyState.WithLabelValues(s).Set(v)
	}
}

// RelaySessionOpened increments the relay session gauge.
func (m *Metrics) RelaySessionOpened() {
	if m == nil {
		return
	}
	m.relaySessions.Inc()
}

// RelaySessionClosed decrements the relay session gauge.
func (m *Metrics) RelaySessionClosed() {
	if m == nil {
		return
	}
	m.relaySessions.Dec()
}

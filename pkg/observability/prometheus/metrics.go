// Package prometheus holds the relay's metric bundle on a private
// registry, so tests can build isolated instances and the binary only
// exports what it registered.
package prometheus

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DefaultRegistry is the process-wide Prometheus registry.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels everything with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(
		prometheus.Labels{"service": "watchman-relay"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds every relay metric.
type Metrics struct {
	registry *prometheus.Registry

	statsMu      sync.Mutex
	lastEnqueued int64
	lastAcked    int64
	lastEvicted  int64
	lastLoss     int64

	// Event buffer.
	BufferDepth     prometheus.Gauge
	BufferBytes     prometheus.Gauge
	BufferEnqueued  prometheus.Counter
	BufferAcked     prometheus.Counter
	BufferEvictions prometheus.Counter
	BufferLoss      prometheus.Counter

	// Forwarder.
	ForwardAttempts *prometheus.CounterVec // outcome: ok|partial|auth|transport
	ForwarderState  *prometheus.GaugeVec   // state: connected|backoff|draining
	ForwardedEvents prometheus.Counter
	DroppedRejected prometheus.Counter

	// Ingestion endpoint.
	IngestBatches   *prometheus.CounterVec   // status: accepted|auth_failed|rejected|draining
	IngestEvents    *prometheus.CounterVec   // outcome: committed|duplicate|rejected
	HTTPDuration    *prometheus.HistogramVec // route, status
	HeartbeatsTotal prometheus.Counter

	// Registry / health monitor.
	NodesOnline    prometheus.Gauge
	StaleSweeps    prometheus.Counter
	NodesWentStale prometheus.Counter
}

// Get returns the global metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metrics = New(DefaultRegistry, DefaultRegisterer)
	})
	return metrics
}

// New builds a metric bundle against the given registerer. Tests pass a
// fresh registry so parallel packages never collide.
func New(registry *prometheus.Registry, registerer prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if registerer == nil {
		registerer = registry
	}

	return &Metrics{
		registry: registry,

		BufferDepth: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "relay_buffer_depth",
			Help: "Live (unacknowledged) events in the local buffer",
		}),
		BufferBytes: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "relay_buffer_bytes",
			Help: "Live bytes in the local buffer",
		}),
		BufferEnqueued: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_buffer_enqueued_total",
			Help: "Events enqueued into the local buffer",
		}),
		BufferAcked: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_buffer_acked_total",
			Help: "Events acknowledged after downstream acceptance",
		}),
		BufferEvictions: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_buffer_evictions_total",
			Help: "Events evicted oldest-first at the buffer ceiling",
		}),
		BufferLoss: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_buffer_loss_events_total",
			Help: "Loss events: evictions plus acknowledge gaps",
		}),

		ForwardAttempts: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forward_attempts_total",
			Help: "Batch delivery attempts by outcome",
		}, []string{"outcome"}),
		ForwarderState: promauto.With(registerer).NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_forwarder_state",
			Help: "1 for the forwarder's current state, 0 otherwise",
		}, []string{"state"}),
		ForwardedEvents: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_forwarded_events_total",
			Help: "Events acknowledged by the downstream endpoint",
		}),
		DroppedRejected: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_rejected_events_total",
			Help: "Events permanently rejected downstream and dropped locally",
		}),

		IngestBatches: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ingest_batches_total",
			Help: "Ingested batches by status",
		}, []string{"status"}),
		IngestEvents: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ingest_events_total",
			Help: "Ingested events by per-event outcome",
		}, []string{"outcome"}),
		HTTPDuration: promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Ingestion endpoint request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		HeartbeatsTotal: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeats_total",
			Help: "Accepted heartbeats",
		}),

		NodesOnline: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "relay_nodes_online",
			Help: "Registered nodes currently online",
		}),
		StaleSweeps: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_stale_sweeps_total",
			Help: "Staleness sweep runs",
		}),
		NodesWentStale: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "relay_nodes_went_stale_total",
			Help: "Nodes flipped offline by the staleness sweep",
		}),
	}
}

// SetForwarderState flips the state gauge to the named state.
func (m *Metrics) SetForwarderState(state string) {
	for _, s := range []string{"connected", "backoff", "draining"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ForwarderState.WithLabelValues(s).Set(v)
	}
}

// ObserveBufferStats copies a buffer stats snapshot into the bundle:
// depth and bytes set the gauges, the monotonic buffer counters advance
// the Prometheus counters by their delta since the last observation.
func (m *Metrics) ObserveBufferStats(depth, bytes, enqueued, acked, evicted, loss int64) {
	m.BufferDepth.Set(float64(depth))
	m.BufferBytes.Set(float64(bytes))

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if d := enqueued - m.lastEnqueued; d > 0 {
		m.BufferEnqueued.Add(float64(d))
	}
	if d := acked - m.lastAcked; d > 0 {
		m.BufferAcked.Add(float64(d))
	}
	if d := evicted - m.lastEvicted; d > 0 {
		m.BufferEvictions.Add(float64(d))
	}
	if d := loss - m.lastLoss; d > 0 {
		m.BufferLoss.Add(float64(d))
	}
	m.lastEnqueued, m.lastAcked, m.lastEvicted, m.lastLoss = enqueued, acked, evicted, loss
}

// Handler serves the bundle's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Timer observes an HTTP request duration on completion.
func (m *Metrics) Timer(route string) func(status string) {
	start := time.Now()
	return func(status string) {
		m.HTTPDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
	}
}

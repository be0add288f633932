package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "relaychat"
	relaySubsystem   = "relay"
)

// Stream outcomes used as the status label.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Metrics holds the Prometheus collectors of the streaming relay. Collectors are registered on their
// own registry so that several instances can live in one process. All methods are safe to call on a
// nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	StreamsTotal               *prometheus.CounterVec
	ActiveStreams              prometheus.Gauge
	IncrementsTotal            prometheus.Counter
	TimeToFirstIncrementSecond prometheus.Histogram
	StreamDurationSeconds      *prometheus.HistogramVec
	ErrorsTotal                *prometheus.CounterVec
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "streams_total",
				Help:      "Total number of relayed completion streams by outcome",
			},
			[]string{"status"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_streams",
				Help:      "Number of completion streams currently in flight",
			},
		),
		IncrementsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "increments_total",
				Help:      "Total non-empty text increments relayed to clients",
			},
		),
		TimeToFirstIncrementSecond: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "time_to_first_increment_seconds",
				Help:      "Time from opening the remote stream to the first increment",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "errors_total",
				Help:      "Total failed streams by classified error kind",
			},
			[]string{"kind"},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded records the outcome and duration of a stream and releases its active slot.
func (m *Metrics) StreamEnded(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(status).Inc()
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) RecordIncrement() {
	if m == nil {
		return
	}
	m.IncrementsTotal.Inc()
}

func (m *Metrics) RecordTimeToFirstIncrement(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstIncrementSecond.Observe(seconds)
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

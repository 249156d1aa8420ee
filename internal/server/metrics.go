// metrics.go registers all Prometheus metrics for the HTTP server and the
// ingestion pipeline.

package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kbchat"

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the logical endpoint name rather than the raw URL path.
	labelHandler = "handler"
	// labelTransport partitions chat metrics by "sse" or "ws".
	labelTransport = "transport"
)

// Metrics holds every Prometheus collector kbchat owns. It is created once
// at startup and shared by the server and the ingestion pipeline, which it
// observes through [Metrics.ObserveIngestion].
type Metrics struct {
	// chatRequestsTotal counts finished streamed responses, partitioned by
	// transport and outcome (done, stopped, failed, disconnected).
	chatRequestsTotal *prometheus.CounterVec

	// chatDurationSeconds records the wall-clock duration of each streamed
	// response.
	chatDurationSeconds *prometheus.HistogramVec

	// chatActiveStreams is the number of streamed responses in flight.
	chatActiveStreams prometheus.Gauge

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// ingestionRunsTotal counts ingestion runs by outcome ("success" or the
	// failure kind).
	ingestionRunsTotal *prometheus.CounterVec

	// ingestionChunksTotal counts passages written to the vector index.
	ingestionChunksTotal prometheus.Counter

	// ingestionDurationSeconds records the duration of ingestion runs.
	ingestionDurationSeconds *prometheus.HistogramVec

	// rateLimitedTotal counts requests rejected by the rate limiter, by
	// limit class.
	rateLimitedTotal *prometheus.CounterVec
}

// NewMetrics registers all metrics against reg and returns them.
// promauto.With(reg) is used so tests can pass a fresh registry instead of
// the global default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of streamed responses completed, partitioned by transport and outcome.",
		}, []string{labelTransport, "outcome"}),

		chatDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of streamed responses from start to the terminal frame.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{labelTransport, "outcome"}),

		chatActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Number of streamed responses currently in flight.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		ingestionRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ingestion",
			Name:      "runs_total",
			Help:      "Total number of document ingestion runs, partitioned by outcome.",
		}, []string{"outcome"}),

		ingestionChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ingestion",
			Name:      "chunks_total",
			Help:      "Total number of passages written to the vector index.",
		}),

		ingestionDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ingestion",
			Name:      "duration_seconds",
			Help:      "Duration of document ingestion runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 180, 600},
		}, []string{"outcome"}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected with 429, partitioned by limit class.",
		}, []string{"class"}),
	}
}

func (m *Metrics) observeRateLimited(class limitClass) {
	m.rateLimitedTotal.WithLabelValues(string(class)).Inc()
}

// ObserveIngestion records a finished ingestion run. It satisfies
// ingestion.Recorder.
func (m *Metrics) ObserveIngestion(outcome string, chunks int, elapsed time.Duration) {
	m.ingestionRunsTotal.WithLabelValues(outcome).Inc()
	m.ingestionDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if chunks > 0 {
		m.ingestionChunksTotal.Add(float64(chunks))
	}
}

func (m *Metrics) observeHTTP(method, handler string, status int, elapsed time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, handler, statusLabel(status)).Inc()
	m.httpDurationSeconds.WithLabelValues(method, handler).Observe(elapsed.Seconds())
}

// streamStarted marks a streamed response in flight and returns the function
// that records its end.
func (m *Metrics) streamStarted(transport string) func(outcome string) {
	m.chatActiveStreams.Inc()
	start := time.Now()
	return func(outcome string) {
		m.chatActiveStreams.Dec()
		m.chatRequestsTotal.WithLabelValues(transport, outcome).Inc()
		m.chatDurationSeconds.WithLabelValues(transport, outcome).Observe(time.Since(start).Seconds())
	}
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ChatTurns           *prometheus.CounterVec
	TriageSummaries     *prometheus.CounterVec
	StoreErrors         *prometheus.CounterVec
	GenerationLatency   prometheus.Histogram
	ActiveWSConnections prometheus.Gauge

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ChatTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		TriageSummaries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triage_summaries_total",
			Help:      "Triage extraction attempts by result.",
		}, []string{"result"}),
		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Conversation store errors by backend and operation.",
		}, []string{"backend", "op"}),
		GenerationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Latency of assistant reply generation in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		ActiveWSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_ws_connections",
			Help:      "Number of open chat WebSocket connections.",
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveGenerationLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncChatTurn(outcome string) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncTriage(result string) {
	if m == nil {
		return
	}
	m.TriageSummaries.WithLabelValues(result).Inc()
}

func (m *Metrics) IncStoreError(backend, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(backend, op).Inc()
}

// ObserveStage records one pipeline stage duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

// ObserveTurnOutcome counts a completed turn for the perf snapshot.
func (m *Metrics) ObserveTurnOutcome(triaged bool) {
	if m == nil {
		return
	}
	m.stages.ObserveTurn(triaged)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

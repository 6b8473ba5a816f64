package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Turns               *prometheus.CounterVec
	PromptMismatches    *prometheus.CounterVec
	Compactions         *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	StreamFragments     prometheus.Counter
	GenerationLatency   *prometheus.HistogramVec
	ActiveConversations prometheus.Gauge
	ActiveStreams       prometheus.Gauge

	stages *turnStageWindow
}

// NewMetrics registers the instruments on reg, or on the default registerer
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by mode and outcome.",
		}, []string{"mode", "outcome"}),
		PromptMismatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_mismatch_total",
			Help:      "Backend outputs that did not echo the prompt and were used whole.",
		}, []string{"mode"}),
		Compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Memory compactions by outcome.",
		}, []string{"outcome"}),
		PersistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed store writes by operation.",
		}, []string{"op"}),
		StreamFragments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Text fragments delivered to stream consumers.",
		}),
		GenerationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Backend generation latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}, []string{"mode"}),
		ActiveConversations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Conversations held in memory.",
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Stream relays currently producing.",
		}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveTurn(mode, outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) ObservePromptMismatch(mode string) {
	if m == nil {
		return
	}
	m.PromptMismatches.WithLabelValues(mode).Inc()
	m.stages.ObserveIndicator("prompt_mismatch")
}

func (m *Metrics) ObserveCompaction(outcome string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(op).Inc()
	m.stages.ObserveIndicator("persistence_failure")
}

func (m *Metrics) ObserveFragment() {
	if m == nil {
		return
	}
	m.StreamFragments.Inc()
}

func (m *Metrics) ObserveGenerationLatency(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.WithLabelValues(mode).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetActiveConversations(n int) {
	if m == nil {
		return
	}
	m.ActiveConversations.Set(float64(n))
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamFinished() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// ObserveTurnStage records a pipeline stage latency in the rolling window
// served by the latency endpoint.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

// MetricsHandler serves g, or the default gatherer when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

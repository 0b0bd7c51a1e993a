// Package metrics exposes orchestration counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mira"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns             *prometheus.CounterVec
	generation        *prometheus.HistogramVec
	submissions       *prometheus.CounterVec
	proactive         *prometheus.CounterVec
	debounceWindow    prometheus.Histogram
	chunks            prometheus.Counter
	generatorFailures *prometheus.CounterVec
	transitions       *prometheus.CounterVec
}

// New creates collectors on a private registry. presentSessions, if set, is
// sampled on every scrape.
func New(presentSessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Generation attempts by trigger kind and outcome.",
		}, []string{"trigger", "outcome"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Latency of reply generator calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"trigger"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_messages_total",
			Help:      "Submitted user messages by result.",
		}, []string{"result"}),
		proactive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proactive_decisions_total",
			Help:      "Proactive scheduler decisions by reason.",
		}, []string{"reason"}),
		debounceWindow: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "debounce_window_seconds",
			Help:      "Time from window open to hand-off.",
			Buckets:   []float64{1, 1.5, 2, 3, 4, 5, 6},
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_delivered_total",
			Help:      "Reply chunks persisted and pushed to clients.",
		}),
		generatorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_failures_total",
			Help:      "Reply generator errors by trigger kind.",
		}, []string{"trigger"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_transitions_total",
			Help:      "Turn state machine transitions taken by generation attempts.",
		}, []string{"from", "event", "to"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns, m.generation, m.submissions, m.proactive,
		m.debounceWindow, m.chunks, m.generatorFailures, m.transitions,
	)
	if presentSessions != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "present_sessions",
			Help:      "Sessions with at least one live connection.",
		}, func() float64 { return float64(presentSessions()) }))
	}
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Turn(trigger, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) GenerationTook(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.generation.WithLabelValues(trigger).Observe(d.Seconds())
}

func (m *Metrics) GeneratorFailed(trigger string) {
	if m == nil {
		return
	}
	m.generatorFailures.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Submitted(duplicate bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if duplicate {
		result = "duplicate"
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) ProactiveDecision(reason string) {
	if m == nil {
		return
	}
	m.proactive.WithLabelValues(reason).Inc()
}

func (m *Metrics) DebounceWindow(d time.Duration) {
	if m == nil {
		return
	}
	m.debounceWindow.Observe(d.Seconds())
}

func (m *Metrics) ChunkDelivered() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

func (m *Metrics) Transition(from, event, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, event, to).Inc()
}

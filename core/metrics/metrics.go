// Package metrics exposes the orchestration counters and latencies as
// Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ema"

type Metrics struct {
	registry *prometheus.Registry

	rawInputs      *prometheus.CounterVec
	messages       *prometheus.CounterVec
	intents        *prometheus.CounterVec
	decideDuration prometheus.Histogram
	renders        *prometheus.CounterVec
	providers      *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		rawInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "raw_total",
			Help:      "Raw input events received",
		}, []string{"source", "kind"}),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Messages by pipeline outcome (normalized, dropped, unsupported, invalid)",
		}, []string{"result"}),

		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "intents_total",
			Help:      "Decision outcomes by source (provider, llm, fallback, error)",
		}, []string{"source"}),

		decideDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "duration_seconds",
			Help:      "Time spent deciding a single message",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "renders_total",
			Help:      "Render outcomes per output provider",
		}, []string{"provider", "result"}),

		providers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "providers",
			Name:      "loaded",
			Help:      "Loaded providers per domain",
		}, []string{"category"}),
	}

	m.registry.MustRegister(
		m.rawInputs,
		m.messages,
		m.intents,
		m.decideDuration,
		m.renders,
		m.providers,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RawInput(source, kind string) {
	if m == nil {
		return
	}
	m.rawInputs.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) Intent(source string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(source).Inc()
}

func (m *Metrics) DecideDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.decideDuration.Observe(d.Seconds())
}

func (m *Metrics) Render(provider string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.renders.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ProvidersLoaded(category string, count int) {
	if m == nil {
		return
	}
	m.providers.WithLabelValues(category).Set(float64(count))
}

package orchestration

import (
	"github.com/koscakluka/ema-live/core/metrics"
	"github.com/koscakluka/ema-live/core/normalization"
	"github.com/koscakluka/ema-live/core/providers"
)

type OrchestratorOption func(*Orchestrator)

// WithRegistries sets the provider registries. The built-in providers are
// used when no registries are given.
func WithRegistries(registries *providers.Registries) OrchestratorOption {
	return func(o *Orchestrator) {
		o.registries = registries
	}
}

// WithNormalizers replaces the default normalizer registry.
func WithNormalizers(normalizers *normalization.Registry) OrchestratorOption {
	return func(o *Orchestrator) {
		o.normalizers = normalizers
	}
}

func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

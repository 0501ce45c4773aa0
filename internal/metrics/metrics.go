package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus counters.
type Metrics struct {
	IngestOutcomes *prometheus.CounterVec
	ActionOutcomes *prometheus.CounterVec
}

// New registers the metrics on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on the given registerer so tests can use an
// isolated registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IngestOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlplane_ingest_total",
			Help: "Ingestion admissions by outcome (created, duplicate, rejected)",
		}, []string{"outcome"}),
		ActionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlplane_actions_total",
			Help: "Actuation attempts by status (executed, noop, failed)",
		}, []string{"status"}),
	}
}

func (m *Metrics) Ingest(outcome string) {
	if m == nil {
		return
	}
	m.IngestOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Action(status string) {
	if m == nil {
		return
	}
	m.ActionOutcomes.WithLabelValues(status).Inc()
}

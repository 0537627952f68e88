// Package metrics holds the Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics bundles the collectors registered by the proxy.
type Metrics struct {
	Requests          *prometheus.CounterVec
	RelayedDatasets   prometheus.Counter
	PseudonymDuration *prometheus.HistogramVec
	QueueDepth        prometheus.Gauge
	QueueDiscards     prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dicomshield",
			Name:      "dimse_requests_total",
			Help:      "DIMSE requests handled, by verb and outcome.",
		}, []string{"verb", "outcome"}),
		RelayedDatasets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dicomshield",
			Name:      "relayed_datasets_total",
			Help:      "Datasets shielded and forwarded to a client or destination.",
		}),
		PseudonymDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dicomshield",
			Name:      "pseudonym_request_duration_seconds",
			Help:      "Latency of pseudonymization service calls, by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dicomshield",
			Name:      "retrieve_queue_depth",
			Help:      "Datasets buffered for the active retrieve.",
		}),
		QueueDiscards: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dicomshield",
			Name:      "retrieve_queue_discards_total",
			Help:      "Datasets discarded when a retrieve ended before draining.",
		}),
	}
}

// ObserveRequest records one handled DIMSE request.
func (m *Metrics) ObserveRequest(verb, outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(verb, outcome).Inc()
}

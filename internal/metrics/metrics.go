package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for ingestion and queries.
type Metrics struct {
	PagesFetched     *prometheus.CounterVec // labels: source, outcome={success,error}
	PageDuration     prometheus.Histogram
	RecordsAccepted  prometheus.Counter
	RecordsDropped   prometheus.Counter
	FieldParseErrors *prometheus.CounterVec // labels: field
	Reinitialize     *prometheus.CounterVec // labels: outcome={success,partial,empty,error}
	StoredShelters   prometheus.Gauge
	Queries          *prometheus.CounterVec // labels: kind={nearest,radius,search}
	QueryCandidates  prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which tests use to avoid "already registered" panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelter",
			Name:      "ingest_pages_fetched_total",
			Help:      "Upstream pages requested by the ingestion pipeline.",
		}, []string{"source", "outcome"}),
		PageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shelter",
			Name:      "ingest_page_duration_seconds",
			Help:      "Round-trip time of a single upstream page request.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RecordsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shelter",
			Name:      "ingest_records_accepted_total",
			Help:      "Shelter records that passed normalization.",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shelter",
			Name:      "ingest_records_dropped_total",
			Help:      "Shelter records dropped for missing or zero coordinates.",
		}),
		FieldParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelter",
			Name:      "ingest_field_parse_errors_total",
			Help:      "Numeric fields that could not be parsed and were left unset.",
		}, []string{"field"}),
		Reinitialize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelter",
			Name:      "reinitialize_total",
			Help:      "Reinitialize runs by outcome.",
		}, []string{"outcome"}),
		StoredShelters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shelter",
			Name:      "stored_shelters",
			Help:      "Shelters written by the last successful reinitialize.",
		}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelter",
			Name:      "queries_total",
			Help:      "Query operations by kind.",
		}, []string{"kind"}),
		QueryCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shelter",
			Name:      "query_candidates",
			Help:      "Candidates returned by the bounding-box prefilter per spatial query.",
			Buckets:   []float64{0, 10, 50, 100, 500, 1000, 5000, 20000},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PagesFetched,
			m.PageDuration,
			m.RecordsAccepted,
			m.RecordsDropped,
			m.FieldParseErrors,
			m.Reinitialize,
			m.StoredShelters,
			m.Queries,
			m.QueryCandidates,
		)
	}

	return m
}

// NewForTesting returns unregistered collectors.
func NewForTesting() *Metrics {
	return New(nil)
}

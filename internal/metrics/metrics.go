package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the engine
type Metrics struct {
	ObservationsRecorded prometheus.Counter
	ObservationsRejected prometheus.Counter
	ObservationsEvicted  prometheus.Counter
	WALErrors            prometheus.Counter
	PersistWarnings      prometheus.Counter

	PendingCreated  prometheus.Counter
	PendingGated    prometheus.Counter
	PendingResolved prometheus.Counter
	CascadesHit     prometheus.Counter

	Recalibrations prometheus.Counter
	SeedLoaded     prometheus.Counter

	PendingDepth prometheus.Gauge

	ResolvedByPattern  *prometheus.CounterVec
	EstimatesByPattern *prometheus.CounterVec

	PredictedProbability prometheus.Histogram
}

// New creates and registers all metrics
func New() *Metrics {
	return &Metrics{
		ObservationsRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_observations_recorded_total",
			Help: "Finalized observations appended to the store",
		}),
		ObservationsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_observations_rejected_total",
			Help: "Observations rejected by schema validation",
		}),
		ObservationsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_observations_evicted_total",
			Help: "Observations evicted oldest-first beyond the retention limit",
		}),
		WALErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_wal_errors_total",
			Help: "Number of WAL write errors",
		}),
		PersistWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_persist_warnings_total",
			Help: "Writes that succeeded in memory but failed to persist",
		}),

		PendingCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_pending_created_total",
			Help: "Pending predictions created by scan cycles",
		}),
		PendingGated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_pending_gated_total",
			Help: "Scan cycles refused by the anti-autocorrelation gate",
		}),
		PendingResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_pending_resolved_total",
			Help: "Pending predictions finalized against ground truth",
		}),
		CascadesHit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_hits_total",
			Help: "Resolved target windows in which a cascade occurred",
		}),

		Recalibrations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_recalibrations_total",
			Help: "Empirical-Bayes prior recalibrations applied",
		}),
		SeedLoaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cascade_seed_records_loaded_total",
			Help: "Seed dataset records loaded into the store",
		}),

		PendingDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cascade_pending_depth",
			Help: "Outstanding pending predictions awaiting resolution",
		}),

		ResolvedByPattern: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_resolved_by_pattern_total",
				Help: "Pending predictions finalized per pattern",
			},
			[]string{"pattern_id"},
		),
		EstimatesByPattern: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_estimates_by_pattern_total",
				Help: "Probability estimates served per pattern",
			},
			[]string{"pattern_id"},
		),

		PredictedProbability: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cascade_predicted_probability",
			Help:    "Distribution of frozen predicted probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.05, 21),
		}),
	}
}

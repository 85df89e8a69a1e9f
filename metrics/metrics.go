package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_events_ingested_total",
			Help: "Total number of events ingested",
		},
		[]string{"event_type"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_events_rejected_total",
			Help: "Total number of events rejected before storage",
		},
		[]string{"reason"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_anomalies_detected_total",
			Help: "Total number of anomalies persisted",
		},
		[]string{"severity", "rule"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchpost_ingest_duration_seconds",
			Help:    "Time taken to run one event through the pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchpost_detector_duration_seconds",
			Help:    "Time taken by each detector to evaluate an event",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"detector"},
	)

	DetectorDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_detector_degraded_total",
			Help: "Total number of detector evaluations that degraded to no anomaly",
		},
		[]string{"detector", "reason"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_store_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"op", "kind"},
	)

	StoreIndexRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_store_index_repairs_total",
			Help: "Total number of dangling index references removed",
		},
		[]string{"index"},
	)

	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchpost_store_breaker_open",
			Help: "1 when the store circuit breaker is open, 0 otherwise",
		},
	)

	ModelReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchpost_model_ready",
			Help: "1 when an outlier model is loaded",
		},
	)

	ModelTrainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_model_training_total",
			Help: "Total number of outlier model training runs",
		},
		[]string{"result"},
	)

	ModelTrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchpost_model_training_duration_seconds",
			Help:    "Time taken to fit the outlier model",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_alerts_dispatched_total",
			Help: "Total number of alert dispatch decisions",
		},
		[]string{"result"},
	)
)

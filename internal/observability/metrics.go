package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facetag",
		Name:      "jobs_processed_total",
		Help:      "Total number of stream jobs handled, by outcome",
	}, []string{"type", "outcome"})

	// JobsFailedAcked counts failed jobs whose message was still acknowledged
	// and will not be redelivered.
	JobsFailedAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facetag",
		Name:      "jobs_failed_acked_total",
		Help:      "Failed jobs acknowledged without redelivery",
	}, []string{"type"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facetag",
		Name:      "job_duration_seconds",
		Help:      "Duration of job handling",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type"})

	MalformedPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facetag",
		Name:      "malformed_payloads_total",
		Help:      "Stream messages whose payload was not a JSON object",
	})

	StreamReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facetag",
		Name:      "stream_read_errors_total",
		Help:      "Errors reading from the event stream",
	})

	StreamDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facetag",
		Name:      "stream_depth",
		Help:      "Number of entries in the event stream",
	})

	EventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facetag",
		Name:      "events_enqueued_total",
		Help:      "Events appended to the stream by the worker",
	}, []string{"type"})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facetag",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected in photos",
	})

	MatchesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facetag",
		Name:      "matches_created_total",
		Help:      "Sample/photo correlations at or above threshold",
	}, []string{"direction"})

	PhotoTagsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facetag",
		Name:      "photo_tags_created_total",
		Help:      "Photo tags posted to the record store",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facetag",
		Name:      "inference_duration_seconds",
		Help:      "Duration of face extractor calls",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"stage"})

	IndexDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facetag",
		Name:      "index_operation_duration_seconds",
		Help:      "Duration of similarity index operations",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	RecordStoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facetag",
		Name:      "record_store_request_duration_seconds",
		Help:      "Record store request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "facetag",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facetag",
		Name:      "http_request_duration_seconds",
		Help:      "Ops HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

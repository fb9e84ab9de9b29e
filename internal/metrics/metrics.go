package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callwatch_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callwatch_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_ingest_events_total",
			Help: "Total number of events received",
		},
		[]string{"transport", "status"}, // status: accepted, rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callwatch_ingest_batch_size",
			Help:    "Size of event batches received over HTTP",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Engine metrics
	EngineEventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_engine_events_processed_total",
			Help: "Events evaluated by a shard",
		},
	)

	EngineEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_engine_events_dropped_total",
			Help: "Events shed from a full shard queue",
		},
	)

	EngineLateEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_engine_late_events_total",
			Help: "Matching events older than the allowed lateness",
		},
	)

	EngineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callwatch_engine_queue_depth",
			Help: "Events waiting in a shard queue",
		},
		[]string{"shard"},
	)

	EngineRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callwatch_engine_rules",
			Help: "Rules loaded into the engine",
		},
	)

	RuleMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_rule_matches_total",
			Help: "Events matching a rule condition",
		},
		[]string{"rule_id"},
	)

	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_alerts_fired_total",
			Help: "Alerts fired",
		},
		[]string{"severity"},
	)

	AlertsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_alerts_suppressed_total",
			Help: "Threshold crossings swallowed by cooldown",
		},
		[]string{"rule_id"},
	)

	RenderFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_render_fallbacks_total",
			Help: "Payloads rendered with the fallback body because the template was missing",
		},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_deliveries_total",
			Help: "Notification handoffs by channel type and status",
		},
		[]string{"channel", "status"}, // status: success, failed
	)

	AlertPersistRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_alert_persist_retries_total",
			Help: "Alert persistence retries",
		},
	)

	AlertPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_alert_persist_failures_total",
			Help: "Alerts that exhausted persistence retries and were parked as pending",
		},
	)

	AlertsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callwatch_alerts_pending",
			Help: "Alerts waiting for a persistence retry",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_kafka_messages_consumed_total",
			Help: "Messages read from the events topic",
		},
		[]string{"status"}, // status: accepted, rejected, malformed
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)

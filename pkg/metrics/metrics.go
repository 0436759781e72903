package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_ingested_total",
			Help: "Total number of webhook sub-events by ingestion outcome (count)",
		},
		[]string{"outcome"},
	)

	WebhookSubEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_sub_events_total",
			Help: "Total number of sub-events extracted from webhook envelopes (count)",
		},
		[]string{"kind"},
	)

	IngestProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_processing_duration_ms",
			Help:    "Processing duration for webhook ingestion in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"outcome"},
	)

	BusEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total number of events published on the event bus (count)",
		},
		[]string{"topic"},
	)

	BusHandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_handler_errors_total",
			Help: "Total number of subscriber handler failures captured by the bus (count)",
		},
		[]string{"topic", "subscriber"},
	)

	BusSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_subscriptions",
			Help: "Number of active event bus subscriptions (count)",
		},
	)

	DedupChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_checks_total",
			Help: "Total number of idempotency checks by layer and result (count)",
		},
		[]string{"layer", "result"},
	)

	DedupMemorySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_memory_size",
			Help: "Number of keys currently held in the in-memory dedup layer (count)",
		},
	)

	DedupSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_swept_total",
			Help: "Total number of expired dedup records removed by background sweeps (count)",
		},
		[]string{"layer"},
	)

	ComponentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "component_failures_total",
			Help: "Total number of component failures observed by the healing agent (count)",
		},
		[]string{"component", "error_type"},
	)

	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_attempts_total",
			Help: "Total number of recovery attempts by outcome (count)",
		},
		[]string{"component", "strategy", "status"},
	)

	RecoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recovery_duration_ms",
			Help:    "Duration of recovery actions in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 30000, 60000, 120000},
		},
		[]string{"strategy"},
	)

	OpenCircuitBreakers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "open_circuit_breakers",
			Help: "Number of components with an open circuit breaker (count)",
		},
	)

	IsolatedComponents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isolated_components",
			Help: "Number of components isolated from automated recovery (count)",
		},
	)

	HealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_score",
			Help: "Aggregate system health score (ratio, 0.0 to 1.0)",
		},
	)

	AnalyzerSuggestionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_suggestions_total",
			Help: "Total number of optimization suggestions emitted by the flow analyzer (count)",
		},
		[]string{"kind"},
	)

	AnalyzerPatternsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analyzer_patterns_total",
			Help: "Total number of recurring event sequences detected (count)",
		},
	)

	AnalyzerTrackedTypes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyzer_tracked_types",
			Help: "Number of event types currently tracked by the flow analyzer (count)",
		},
	)

	LearningEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "learning_events_total",
			Help: "Total number of events folded into the pattern model (count)",
		},
	)

	PatternModelSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pattern_model_size",
			Help: "Number of (category, event type) keys in the pattern model (count)",
		},
	)

	OptimizationRulesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimization_rules_active",
			Help: "Number of active optimization rules (count)",
		},
	)

	OptimizationRuleApplicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimization_rule_applications_total",
			Help: "Total number of optimization rule applications (count)",
		},
		[]string{"rule_id", "status"},
	)

	ModelSnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_snapshots_total",
			Help: "Total number of pattern model snapshot writes (count)",
		},
		[]string{"status"},
	)

	MonitorTraceBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_trace_buffer_size",
			Help: "Number of trace entries currently held by the monitor (count)",
		},
	)

	MonitorEventsPerMinute = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_events_per_minute",
			Help: "Events observed by the monitor in the last minute (count)",
		},
	)

	MonitorErrorsPerMinute = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_errors_per_minute",
			Help: "Error events observed by the monitor in the last minute (count)",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"service", "strategy", "reason"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_read_duration_ms",
			Help:    "Duration of reading messages from Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

func RegisterCoreMetrics() {
	prometheus.MustRegister(WebhooksIngestedTotal)
	prometheus.MustRegister(WebhookSubEventsTotal)
	prometheus.MustRegister(IngestProcessingDuration)
	prometheus.MustRegister(BusEventsPublishedTotal)
	prometheus.MustRegister(BusHandlerErrorsTotal)
	prometheus.MustRegister(BusSubscriptions)
	prometheus.MustRegister(DedupChecksTotal)
	prometheus.MustRegister(DedupMemorySize)
	prometheus.MustRegister(DedupSweptTotal)
	prometheus.MustRegister(FallbackUsageTotal)
}

func RegisterAgentMetrics() {
	prometheus.MustRegister(ComponentFailuresTotal)
	prometheus.MustRegister(RecoveryAttemptsTotal)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(OpenCircuitBreakers)
	prometheus.MustRegister(IsolatedComponents)
	prometheus.MustRegister(HealthScore)
	prometheus.MustRegister(AnalyzerSuggestionsTotal)
	prometheus.MustRegister(AnalyzerPatternsTotal)
	prometheus.MustRegister(AnalyzerTrackedTypes)
	prometheus.MustRegister(LearningEventsTotal)
	prometheus.MustRegister(PatternModelSize)
	prometheus.MustRegister(OptimizationRulesActive)
	prometheus.MustRegister(OptimizationRuleApplicationsTotal)
	prometheus.MustRegister(ModelSnapshotsTotal)
	prometheus.MustRegister(MonitorTraceBufferSize)
	prometheus.MustRegister(MonitorEventsPerMinute)
	prometheus.MustRegister(MonitorErrorsPerMinute)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterRelayMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaMessageSizeBytes)
	prometheus.MustRegister(KafkaReadDuration)
	prometheus.MustRegister(KafkaWriteDuration)
}

func RegisterStorageMetrics() {
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func RegisterAPIMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func IncWebhookIngested(outcome string) {
	WebhooksIngestedTotal.WithLabelValues(outcome).Inc()
}

func IncWebhookSubEvent(kind string) {
	WebhookSubEventsTotal.WithLabelValues(kind).Inc()
}

func ObserveIngestDuration(duration time.Duration, outcome string) {
	IngestProcessingDuration.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
}

func IncEventsPublished(topic string) {
	BusEventsPublishedTotal.WithLabelValues(topic).Inc()
}

func IncHandlerErrors(topic, subscriber string) {
	BusHandlerErrorsTotal.WithLabelValues(topic, subscriber).Inc()
}

func SetBusSubscriptions(count int) {
	BusSubscriptions.Set(float64(count))
}

func IncDedupCheck(layer, result string) {
	DedupChecksTotal.WithLabelValues(layer, result).Inc()
}

func SetDedupMemorySize(size int) {
	DedupMemorySize.Set(float64(size))
}

func AddDedupSwept(layer string, count int) {
	DedupSweptTotal.WithLabelValues(layer).Add(float64(count))
}

func IncComponentFailure(component, errorType string) {
	ComponentFailuresTotal.WithLabelValues(component, errorType).Inc()
}

func IncRecoveryAttempt(component, strategy, status string) {
	RecoveryAttemptsTotal.WithLabelValues(component, strategy, status).Inc()
}

func ObserveRecoveryDuration(strategy string, duration time.Duration) {
	RecoveryDuration.WithLabelValues(strategy).Observe(float64(duration.Milliseconds()))
}

func SetOpenCircuitBreakers(count int) {
	OpenCircuitBreakers.Set(float64(count))
}

func SetIsolatedComponents(count int) {
	IsolatedComponents.Set(float64(count))
}

func SetHealthScore(score float64) {
	HealthScore.Set(score)
}

func IncAnalyzerSuggestion(kind string) {
	AnalyzerSuggestionsTotal.WithLabelValues(kind).Inc()
}

func IncAnalyzerPattern() {
	AnalyzerPatternsTotal.Inc()
}

func SetAnalyzerTrackedTypes(count int) {
	AnalyzerTrackedTypes.Set(float64(count))
}

func IncLearningEvent() {
	LearningEventsTotal.Inc()
}

func SetPatternModelSize(size int) {
	PatternModelSize.Set(float64(size))
}

func SetOptimizationRulesActive(count int) {
	OptimizationRulesActive.Set(float64(count))
}

func IncOptimizationRuleApplication(ruleID, status string) {
	OptimizationRuleApplicationsTotal.WithLabelValues(ruleID, status).Inc()
}

func IncModelSnapshot(status string) {
	ModelSnapshotsTotal.WithLabelValues(status).Inc()
}

func SetMonitorTraceBufferSize(size int) {
	MonitorTraceBufferSize.Set(float64(size))
}

func SetMonitorRates(eventsPerMinute, errorsPerMinute int) {
	MonitorEventsPerMinute.Set(float64(eventsPerMinute))
	MonitorErrorsPerMinute.Set(float64(errorsPerMinute))
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func ObserveKafkaReadDuration(service, topic string, duration time.Duration) {
	KafkaReadDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}

package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultMongoDBName = "warden"
)

const (
	DefaultEventsTopic     = "warden.events"
	DefaultWebhooksTopic   = "warden.webhooks"
	DefaultDeadLetterTopic = "warden.webhooks.dlq"
)

// Idempotency gate defaults (memory window, sweep cadence, durable retention).
const (
	DefaultDedupWindow    = 60 * time.Second
	DefaultMemorySweep    = 60 * time.Second
	DefaultRetentionDays  = 7
	DefaultDurableSweep   = 24 * time.Hour
	DefaultMemoryCapacity = 100_000
	DedupKeyStatusPrefix  = "status_"
	DedupKeyEchoPrefix    = "echo_"
	DedupCachePrefix      = "warden:processed:"
)

// Flow analysis defaults.
const (
	DefaultFrequencyWindow    = time.Minute
	DefaultBurstWindow        = 5 * time.Second
	DefaultBurstLookback      = 5
	DefaultBurstMinMatches    = 2
	DefaultLatencyThresholdMs = 5000
	DefaultFrequencyCap       = 100
	DefaultAnalysisInterval   = 30 * time.Second
	DefaultSequenceHistory    = 100
	DefaultSequenceMinCount   = 3
)

// Healing defaults.
const (
	DefaultBreakerThreshold   = 5
	DefaultBreakerWindow      = 60 * time.Second
	DefaultBreakerTimeout     = 60 * time.Second
	DefaultIsolationThreshold = 10
	DefaultIsolationWindow    = 5 * time.Minute
	DefaultBackoffBase        = time.Second
	DefaultBackoffCap         = 30 * time.Second
	DefaultRecoveryTimeout    = 120 * time.Second
	DefaultHealthInterval     = 30 * time.Second
	DefaultMaxFailureRecords  = 50
	DefaultAttemptWindow      = 5 * time.Minute
)

// Learning defaults.
const (
	DefaultModelCapacity          = 1000
	DefaultEffectivenessThreshold = 0.8
	DefaultPersistInterval        = 60 * time.Second
	DefaultRuleReviewInterval     = 60 * time.Second
	DefaultRuleMinApplications    = 10
	DefaultRuleMinEffectiveness   = 0.3
)

// Monitor defaults.
const (
	DefaultTraceBufferSize   = 1000
	DefaultRateWindow        = time.Minute
	DefaultWarningErrorRate  = 0.05
	DefaultCriticalErrorRate = 0.20
	DefaultRecentLimit       = 100
	MaxRecentLimit           = 1000
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
	FallbackError = "error"
)

const (
	StoreTypePostgres = "postgres"
	StoreTypeRedis    = "redis"
	StoreTypeMongoDB  = "mongodb"
)

package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Webhook        WebhookConfig
	Idempotency    IdempotencyConfig
	Analyzer       AnalyzerConfig
	Healing        HealingConfig
	Learning       LearningConfig
	Monitor        MonitorConfig
	Journal        JournalConfig
	Relay          RelayConfig
	API            APIConfig
	CircuitBreaker CircuitBreakerConfig
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers       []string    `mapstructure:"brokers"`
	GroupID       string      `mapstructure:"group_id"`
	WebhooksTopic string      `mapstructure:"webhooks_topic"`
	EventsTopic   string      `mapstructure:"events_topic"`
	DLQTopic      string      `mapstructure:"dlq_topic"`
	Retry         RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WebhookConfig covers the inbound WhatsApp Business webhook surface: the
// subscription handshake token and optional payload signature validation.
type WebhookConfig struct {
	VerifyToken    string `mapstructure:"verify_token"`
	AppSecret      string `mapstructure:"app_secret"`
	SignatureCheck bool   `mapstructure:"signature_check"`
}

type IdempotencyConfig struct {
	WindowSeconds        int    `mapstructure:"window_seconds"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
	RetentionDays        int    `mapstructure:"retention_days"`
	DurableSweepSeconds  int    `mapstructure:"durable_sweep_seconds"`
	MemoryCapacity       int    `mapstructure:"memory_capacity"`
	Store                string `mapstructure:"store"`          // "postgres", "redis" or "" (memory only)
	OnStoreError         string `mapstructure:"on_store_error"` // "allow", "deny" (default: "allow")
}

type AnalyzerConfig struct {
	LatencyThresholdMs      float64 `mapstructure:"latency_threshold_ms"`
	FrequencyCap            int     `mapstructure:"frequency_cap"`
	AnalysisIntervalSeconds int     `mapstructure:"analysis_interval_seconds"`
	HistorySize             int     `mapstructure:"history_size"`
	BurstWindowSeconds      int     `mapstructure:"burst_window_seconds"`
	BurstLookback           int     `mapstructure:"burst_lookback"`
	BurstMinMatches         int     `mapstructure:"burst_min_matches"`
}

type HealingConfig struct {
	BreakerThreshold        int                  `mapstructure:"breaker_threshold"`
	BreakerWindowSeconds    int                  `mapstructure:"breaker_window_seconds"`
	BreakerTimeoutSeconds   int                  `mapstructure:"breaker_timeout_seconds"`
	IsolationThreshold      int                  `mapstructure:"isolation_threshold"`
	IsolationWindowSeconds  int                  `mapstructure:"isolation_window_seconds"`
	BackoffBaseMs           int                  `mapstructure:"backoff_base_ms"`
	BackoffCapMs            int                  `mapstructure:"backoff_cap_ms"`
	RecoveryTimeoutSeconds  int                  `mapstructure:"recovery_timeout_seconds"`
	HealthIntervalSeconds   int                  `mapstructure:"health_interval_seconds"`
	MaxFailureRecords       int                  `mapstructure:"max_failure_records"`
	Classification          []ClassificationRule `mapstructure:"classification"`
}

// ClassificationRule maps a CEL expression over an error event to a recovery
// error type. Rules are tried in order; the keyword classifier is the
// fallback when none match.
type ClassificationRule struct {
	Expression string `mapstructure:"expression"`
	ErrorType  string `mapstructure:"error_type"`
}

type LearningConfig struct {
	ModelCapacity             int     `mapstructure:"model_capacity"`
	EffectivenessThreshold    float64 `mapstructure:"effectiveness_threshold"`
	PersistIntervalSeconds    int     `mapstructure:"persist_interval_seconds"`
	RuleReviewIntervalSeconds int     `mapstructure:"rule_review_interval_seconds"`
	RuleMinApplications       int     `mapstructure:"rule_min_applications"`
	RuleMinEffectiveness      float64 `mapstructure:"rule_min_effectiveness"`
	Store                     string  `mapstructure:"store"` // "postgres", "mongodb" or "" (memory only)
}

type MonitorConfig struct {
	BufferSize        int     `mapstructure:"buffer_size"`
	WarningErrorRate  float64 `mapstructure:"warning_error_rate"`
	CriticalErrorRate float64 `mapstructure:"critical_error_rate"`
}

type JournalConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type RelayConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Patterns      []string `mapstructure:"patterns"`
	SourceEnabled bool     `mapstructure:"source_enabled"`
}

type APIConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}

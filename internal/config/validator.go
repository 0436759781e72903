package config

import (
	"fmt"
	"strings"

	"warden/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateIdempotency(cfg.Idempotency, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateHealing(cfg.Healing); err != nil {
		errors = append(errors, err)
	}

	if err := validateLearning(cfg.Learning, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateMonitor(cfg.Monitor); err != nil {
		errors = append(errors, err)
	}

	if err := validateRelay(cfg.Relay, cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateIdempotency(cfg IdempotencyConfig, db DatabaseConfig) error {
	if cfg.WindowSeconds < 0 {
		return &ValidationError{
			Field:   "idempotency.window_seconds",
			Message: "dedup window must be non-negative",
		}
	}

	if cfg.RetentionDays < 0 {
		return &ValidationError{
			Field:   "idempotency.retention_days",
			Message: "retention must be non-negative",
		}
	}

	switch cfg.Store {
	case "", constants.StoreTypePostgres, constants.StoreTypeRedis:
	default:
		return &ValidationError{
			Field:   "idempotency.store",
			Message: fmt.Sprintf("unknown durable store: %s (supported: postgres, redis)", cfg.Store),
		}
	}

	if cfg.Store == constants.StoreTypePostgres && db.Postgres.Host == "" {
		return &ValidationError{
			Field:   "idempotency.store",
			Message: "postgres store requires database.postgres configuration",
		}
	}

	if cfg.Store == constants.StoreTypeRedis && db.Redis.Host == "" {
		return &ValidationError{
			Field:   "idempotency.store",
			Message: "redis store requires database.redis configuration",
		}
	}

	validOnError := map[string]bool{
		"allow": true, "deny": true,
	}
	if cfg.OnStoreError != "" && !validOnError[strings.ToLower(cfg.OnStoreError)] {
		return &ValidationError{
			Field:   "idempotency.on_store_error",
			Message: fmt.Sprintf("invalid on_store_error value: %s (valid: allow, deny)", cfg.OnStoreError),
		}
	}

	return nil
}

func validateHealing(cfg HealingConfig) error {
	if cfg.BreakerThreshold < 0 {
		return &ValidationError{
			Field:   "healing.breaker_threshold",
			Message: "breaker threshold must be non-negative",
		}
	}

	if cfg.IsolationThreshold < 0 {
		return &ValidationError{
			Field:   "healing.isolation_threshold",
			Message: "isolation threshold must be non-negative",
		}
	}

	if cfg.BreakerThreshold > 0 && cfg.IsolationThreshold > 0 && cfg.IsolationThreshold < cfg.BreakerThreshold {
		return &ValidationError{
			Field:   "healing.isolation_threshold",
			Message: "isolation threshold must be greater than or equal to breaker threshold",
		}
	}

	if cfg.BackoffBaseMs < 0 || cfg.BackoffCapMs < 0 {
		return &ValidationError{
			Field:   "healing.backoff_base_ms",
			Message: "backoff values must be non-negative",
		}
	}

	if cfg.BackoffCapMs > 0 && cfg.BackoffBaseMs > cfg.BackoffCapMs {
		return &ValidationError{
			Field:   "healing.backoff_cap_ms",
			Message: "backoff cap must be greater than or equal to backoff base",
		}
	}

	validTypes := map[string]bool{
		"connection": true, "memory": true, "timeout": true, "validation": true,
	}
	for i, rule := range cfg.Classification {
		if rule.Expression == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("healing.classification[%d].expression", i),
				Message: "classification expression cannot be empty",
			}
		}
		if !validTypes[rule.ErrorType] {
			return &ValidationError{
				Field:   fmt.Sprintf("healing.classification[%d].error_type", i),
				Message: fmt.Sprintf("unknown error type: %s (valid: connection, memory, timeout, validation)", rule.ErrorType),
			}
		}
	}

	return nil
}

func validateLearning(cfg LearningConfig, db DatabaseConfig) error {
	if cfg.EffectivenessThreshold < 0 || cfg.EffectivenessThreshold > 1 {
		return &ValidationError{
			Field:   "learning.effectiveness_threshold",
			Message: "effectiveness threshold must be within [0, 1]",
		}
	}

	if cfg.ModelCapacity < 0 {
		return &ValidationError{
			Field:   "learning.model_capacity",
			Message: "model capacity must be non-negative",
		}
	}

	switch cfg.Store {
	case "", constants.StoreTypePostgres, constants.StoreTypeMongoDB:
	default:
		return &ValidationError{
			Field:   "learning.store",
			Message: fmt.Sprintf("unknown snapshot store: %s (supported: postgres, mongodb)", cfg.Store),
		}
	}

	if cfg.Store == constants.StoreTypePostgres && db.Postgres.Host == "" {
		return &ValidationError{
			Field:   "learning.store",
			Message: "postgres store requires database.postgres configuration",
		}
	}

	if cfg.Store == constants.StoreTypeMongoDB && db.MongoDB.URI == "" {
		return &ValidationError{
			Field:   "learning.store",
			Message: "mongodb store requires database.mongodb configuration",
		}
	}

	return nil
}

func validateMonitor(cfg MonitorConfig) error {
	if cfg.BufferSize < 0 {
		return &ValidationError{
			Field:   "monitor.buffer_size",
			Message: "buffer size must be non-negative",
		}
	}

	if cfg.WarningErrorRate < 0 || cfg.WarningErrorRate > 1 {
		return &ValidationError{
			Field:   "monitor.warning_error_rate",
			Message: "warning error rate must be within [0, 1]",
		}
	}

	if cfg.CriticalErrorRate < 0 || cfg.CriticalErrorRate > 1 {
		return &ValidationError{
			Field:   "monitor.critical_error_rate",
			Message: "critical error rate must be within [0, 1]",
		}
	}

	if cfg.WarningErrorRate > 0 && cfg.CriticalErrorRate > 0 && cfg.CriticalErrorRate < cfg.WarningErrorRate {
		return &ValidationError{
			Field:   "monitor.critical_error_rate",
			Message: "critical error rate must be greater than or equal to warning error rate",
		}
	}

	return nil
}

func validateRelay(cfg RelayConfig, broker BrokerConfig) error {
	if !cfg.Enabled && !cfg.SourceEnabled {
		return nil
	}

	if broker.Type != "kafka" {
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("relay requires a kafka broker, got: %q", broker.Type),
		}
	}

	return validateKafka(broker.Kafka, cfg.SourceEnabled)
}

func validateKafka(cfg KafkaConfig, needConsumer bool) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if needConsumer && cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Retry.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > 0 && cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Retry.Multiplier < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

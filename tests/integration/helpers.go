package integration

import (
	"time"

	"warden/internal/config"
	"warden/internal/idempotency"
	"warden/internal/logger"
)

const (
	containerStartupTimeout = 60
	timestampDelay          = 10 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestIdempotencyConfig(store string) config.IdempotencyConfig {
	return config.IdempotencyConfig{
		WindowSeconds:        60,
		SweepIntervalSeconds: 30,
		RetentionDays:        1,
		MemoryCapacity:       1000,
		Store:                store,
	}
}

func createTestRecord(key string, ttl time.Duration) idempotency.Record {
	now := time.Now().UTC()
	return idempotency.Record{
		Key:       key,
		MessageID: "wamid.TEST",
		Type:      "message",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

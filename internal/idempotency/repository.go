package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"warden/pkg/metrics"
)

// Repository is the durable dedup layer. MarkIfAbsent must be atomic:
// of any number of concurrent calls for the same key, exactly one
// observes first-time.
type Repository interface {
	MarkIfAbsent(ctx context.Context, rec Record) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// MarkIfAbsent claims the key via conditional upsert. A conflicting row
// whose expiry has already passed is refreshed and still counts as
// first-time; a live row makes the call report a duplicate.
func (r *PostgresRepository) MarkIfAbsent(ctx context.Context, rec Record) (bool, error) {
	query := `
		INSERT INTO processed_webhooks (webhook_id, message_id, webhook_type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (webhook_id) DO UPDATE
		SET message_id = EXCLUDED.message_id,
		    webhook_type = EXCLUDED.webhook_type,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
		WHERE processed_webhooks.expires_at <= EXCLUDED.created_at`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, rec.Key, rec.MessageID, rec.Type, rec.CreatedAt, rec.ExpiresAt)
	duration := time.Since(start)

	if err != nil {
		metrics.IncDatabaseQuery("webhook-service", "postgres", "mark_if_absent", "error")
		return false, fmt.Errorf("failed to mark webhook key: %w", err)
	}

	metrics.IncDatabaseQuery("webhook-service", "postgres", "mark_if_absent", "success")
	metrics.ObserveDatabaseQueryDuration("webhook-service", "postgres", "mark_if_absent", duration)

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return rows > 0, nil
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM processed_webhooks WHERE expires_at <= $1`

	start := time.Now()
	result, err := r.db.ExecContext(ctx, query, now)
	duration := time.Since(start)

	if err != nil {
		metrics.IncDatabaseQuery("webhook-service", "postgres", "delete_expired", "error")
		return 0, fmt.Errorf("failed to delete expired webhook keys: %w", err)
	}

	metrics.IncDatabaseQuery("webhook-service", "postgres", "delete_expired", "success")
	metrics.ObserveDatabaseQueryDuration("webhook-service", "postgres", "delete_expired", duration)

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return rows, nil
}

package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"warden/internal/config"
	"warden/pkg/circuitbreaker"
)

// CircuitBreakerRepository shields the gate from a misbehaving durable
// store. While the breaker is open every call errors fast and the gate
// falls back to its memory-only policy.
type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	if !cfg.Enabled {
		return &CircuitBreakerRepository{
			repo: repo,
			cb:   nil,
		}
	}

	cbConfig := circuitbreaker.DefaultConfig("durable-dedup")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		}
	}

	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.NewWrapper(cbConfig),
	}
}

func (r *CircuitBreakerRepository) MarkIfAbsent(ctx context.Context, rec Record) (bool, error) {
	if r.cb == nil {
		return r.repo.MarkIfAbsent(ctx, rec)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.repo.MarkIfAbsent(ctx, rec)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return false, fmt.Errorf("circuit breaker is open for durable-dedup: %w", err)
		}
		return false, err
	}

	firstTime, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("repository returned invalid result type")
	}

	return firstTime, nil
}

func (r *CircuitBreakerRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if r.cb == nil {
		return r.repo.DeleteExpired(ctx, now)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.repo.DeleteExpired(ctx, now)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return 0, fmt.Errorf("circuit breaker is open for durable-dedup: %w", err)
		}
		return 0, err
	}

	rows, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("repository returned invalid result type")
	}

	return rows, nil
}

func (r *CircuitBreakerRepository) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

func (r *CircuitBreakerRepository) IsOpen() bool {
	if r.cb == nil {
		return false
	}
	return r.cb.IsOpen()
}

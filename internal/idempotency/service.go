package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/constants"
	"warden/internal/logger"
	pkgerrors "warden/pkg/errors"
	"warden/pkg/metrics"
	"warden/pkg/tracing"
)

const Component = "idempotency-gate"

// Gate enforces at-most-once processing of webhook sub-events. A short
// in-process window absorbs rapid replays; the durable layer remembers
// keys across restarts. A durable hit is never copied back into the
// memory layer, so replays arriving after the memory window still cost
// one store round-trip each.
type Gate struct {
	memory *MemoryLedger
	repo   Repository
	cfg    config.IdempotencyConfig
	logger logger.Logger

	window       time.Duration
	retention    time.Duration
	memorySweep  time.Duration
	durableSweep time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGate builds the gate. A nil repo runs the gate memory-only, which
// is also the degraded mode entered when the durable store errors.
func NewGate(repo Repository, cfg config.IdempotencyConfig, log logger.Logger) *Gate {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = constants.DefaultDedupWindow
	}

	memorySweep := time.Duration(cfg.SweepIntervalSeconds) * time.Second
	if memorySweep <= 0 {
		memorySweep = constants.DefaultMemorySweep
	}

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = constants.DefaultRetentionDays * 24 * time.Hour
	}

	durableSweep := time.Duration(cfg.DurableSweepSeconds) * time.Second
	if durableSweep <= 0 {
		durableSweep = constants.DefaultDurableSweep
	}

	capacity := cfg.MemoryCapacity
	if capacity <= 0 {
		capacity = constants.DefaultMemoryCapacity
	}

	return &Gate{
		memory:       NewMemoryLedger(window, capacity),
		repo:         repo,
		cfg:          cfg,
		logger:       log,
		window:       window,
		retention:    retention,
		memorySweep:  memorySweep,
		durableSweep: durableSweep,
		stop:         make(chan struct{}),
	}
}

// CheckAndMark reports whether the claim is seen for the first time
// and marks it in the same step. Exactly one of any set of concurrent
// calls for the same key observes first-time.
func (g *Gate) CheckAndMark(ctx context.Context, claim Claim) (bool, error) {
	ctx, span := tracing.GetTracer("webhook-service").Start(ctx, "idempotency.check_and_mark")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	now := time.Now()

	if g.repo == nil {
		first := g.memory.CheckAndSet(claim.Key, now)
		if first {
			metrics.IncDedupCheck("memory", "first")
		} else {
			metrics.IncDedupCheck("memory", "duplicate")
		}
		return first, nil
	}

	if g.memory.Seen(claim.Key, now) {
		metrics.IncDedupCheck("memory", "duplicate")
		return false, nil
	}
	metrics.IncDedupCheck("memory", "miss")

	first, err := g.repo.MarkIfAbsent(ctx, Record{
		Key:       claim.Key,
		MessageID: claim.MessageID,
		Type:      claim.Type,
		CreatedAt: now,
		ExpiresAt: now.Add(g.retention),
	})
	if err != nil {
		return g.handleStoreError(ctx, claim.Key, now, err)
	}

	if !first {
		metrics.IncDedupCheck("durable", "duplicate")
		return false, nil
	}

	g.memory.Mark(claim.Key, now)
	metrics.IncDedupCheck("durable", "first")
	return true, nil
}

func (g *Gate) handleStoreError(ctx context.Context, key string, now time.Time, err error) (bool, error) {
	metrics.IncDedupCheck("durable", "error")

	if strings.ToLower(g.cfg.OnStoreError) == constants.FallbackDeny {
		metrics.FallbackUsageTotal.WithLabelValues("idempotency", "deny_on_error", "store_error").Inc()
		return false, pkgerrors.Wrap(err, pkgerrors.ErrPersistence)
	}

	metrics.FallbackUsageTotal.WithLabelValues("idempotency", "allow_on_error", "store_error").Inc()
	g.logger.WarnwCtx(ctx, "Durable dedup store unavailable, continuing memory-only",
		"key", key,
		"error", err,
	)
	return g.memory.CheckAndSet(key, now), nil
}

// Start launches the sweep loops. The memory sweeper reclaims aged-out
// window entries; the durable sweeper deletes rows past retention.
func (g *Gate) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.memorySweepLoop(ctx)

	if g.repo != nil {
		g.wg.Add(1)
		go g.durableSweepLoop(ctx)
	}
}

func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
	})
	g.wg.Wait()
}

func (g *Gate) memorySweepLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.memorySweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := g.memory.Sweep(time.Now())
			metrics.AddDedupSwept("memory", removed)
			metrics.SetDedupMemorySize(g.memory.Len())
			if removed > 0 {
				g.logger.Debugw("Swept memory dedup window",
					"removed", removed,
					"remaining", g.memory.Len(),
				)
			}
		case <-g.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gate) durableSweepLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.durableSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rows, err := g.repo.DeleteExpired(ctx, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.logger.Warnw("Durable dedup sweep failed",
					"error", err,
				)
				continue
			}
			metrics.AddDedupSwept("durable", int(rows))
			if rows > 0 {
				g.logger.Infow("Swept durable dedup store",
					"removed", rows,
				)
			}
		case <-g.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stats feeds the operational API.
func (g *Gate) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"memory_size":     g.memory.Len(),
		"window_seconds":  int(g.window / time.Second),
		"durable_enabled": g.repo != nil,
	}

	if br, ok := g.repo.(*CircuitBreakerRepository); ok {
		stats["breaker_state"] = br.State()
	}

	return stats
}

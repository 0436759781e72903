package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/logger"
	pkgerrors "warden/pkg/errors"
)

type fakeRepository struct {
	mu    sync.Mutex
	rows  map[string]time.Time
	calls int
	err   error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{rows: make(map[string]time.Time)}
}

func (f *fakeRepository) MarkIfAbsent(ctx context.Context, rec Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if exp, ok := f.rows[rec.Key]; ok && exp.After(rec.CreatedAt) {
		return false, nil
	}
	f.rows[rec.Key] = rec.ExpiresAt
	return true, nil
}

func (f *fakeRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var removed int64
	for key, exp := range f.rows {
		if !exp.After(now) {
			delete(f.rows, key)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeRepository) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func createTestGateConfig() config.IdempotencyConfig {
	return config.IdempotencyConfig{
		WindowSeconds:        60,
		SweepIntervalSeconds: 60,
		RetentionDays:        7,
	}
}

func TestGate_CheckAndMark_FirstTimeThenDuplicate(t *testing.T) {
	gate := NewGate(newFakeRepository(), createTestGateConfig(), logger.NopLogger())
	ctx := context.Background()

	first, err := gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.False(t, first)
}

func TestGate_CheckAndMark_StatusTransitionsAreDistinct(t *testing.T) {
	gate := NewGate(newFakeRepository(), createTestGateConfig(), logger.NopLogger())
	ctx := context.Background()

	for _, status := range []string{"sent", "delivered", "read"} {
		first, err := gate.CheckAndMark(ctx, StatusClaim("wamid.AAA", status))
		require.NoError(t, err)
		assert.True(t, first, "status %q should be its own unit of work", status)
	}

	// Replaying one of them is a duplicate.
	first, err := gate.CheckAndMark(ctx, StatusClaim("wamid.AAA", "delivered"))
	require.NoError(t, err)
	assert.False(t, first)
}

func TestGate_CheckAndMark_EchoAndMessageDoNotCollide(t *testing.T) {
	gate := NewGate(newFakeRepository(), createTestGateConfig(), logger.NopLogger())
	ctx := context.Background()

	first, err := gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = gate.CheckAndMark(ctx, EchoClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.True(t, first)
}

func TestGate_DurableHitDoesNotWarmMemory(t *testing.T) {
	repo := newFakeRepository()
	cfg := createTestGateConfig()
	cfg.WindowSeconds = 1
	gate := NewGate(repo, cfg, logger.NopLogger())
	ctx := context.Background()

	first, err := gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, 1, repo.callCount())

	// Within the memory window the store is not consulted.
	first, err = gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, 1, repo.callCount())

	// After the window ages out, every replay hits the store: a durable
	// hit must not re-warm the memory layer.
	time.Sleep(1200 * time.Millisecond)

	first, err = gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, 2, repo.callCount())

	first, err = gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, 3, repo.callCount())
}

func TestGate_MemoryOnly(t *testing.T) {
	gate := NewGate(nil, createTestGateConfig(), logger.NopLogger())
	ctx := context.Background()

	first, err := gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.False(t, first)
}

func TestGate_StoreError_FallbackAllow(t *testing.T) {
	repo := newFakeRepository()
	repo.err = errors.New("connection refused")

	cfg := createTestGateConfig()
	cfg.OnStoreError = "allow"
	gate := NewGate(repo, cfg, logger.NopLogger())
	ctx := context.Background()

	// Degraded to memory-only: first passes, replay inside the window
	// is still caught.
	first, err := gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)
	assert.False(t, first)
}

func TestGate_StoreError_FallbackDeny(t *testing.T) {
	repo := newFakeRepository()
	repo.err = errors.New("connection refused")

	cfg := createTestGateConfig()
	cfg.OnStoreError = "deny"
	gate := NewGate(repo, cfg, logger.NopLogger())
	ctx := context.Background()

	first, err := gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.Error(t, err)
	assert.False(t, first)
	assert.True(t, pkgerrors.IsPersistence(err))
	assert.ErrorIs(t, err, repo.err)
}

func TestGate_ConcurrentSameKey_ExactlyOneFirst(t *testing.T) {
	gate := NewGate(newFakeRepository(), createTestGateConfig(), logger.NopLogger())
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	type outcome struct {
		first bool
		err   error
	}
	results := make(chan outcome, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := gate.CheckAndMark(ctx, MessageClaim("wamid.RACE"))
			results <- outcome{first: first, err: err}
		}()
	}
	wg.Wait()
	close(results)

	firstCount := 0
	for res := range results {
		require.NoError(t, res.err)
		if res.first {
			firstCount++
		}
	}
	assert.Equal(t, 1, firstCount)
}

func TestGate_ContextCancellation(t *testing.T) {
	gate := NewGate(newFakeRepository(), createTestGateConfig(), logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	first, err := gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	assert.Error(t, err)
	assert.False(t, first)
}

func TestGate_Stats(t *testing.T) {
	gate := NewGate(newFakeRepository(), createTestGateConfig(), logger.NopLogger())
	ctx := context.Background()

	_, err := gate.CheckAndMark(ctx, MessageClaim("wamid.AAA"))
	require.NoError(t, err)

	stats := gate.Stats()
	assert.Equal(t, 1, stats["memory_size"])
	assert.Equal(t, 60, stats["window_seconds"])
	assert.Equal(t, true, stats["durable_enabled"])
}

func TestClaims(t *testing.T) {
	msg := MessageClaim("wamid.AAA")
	assert.Equal(t, "wamid.AAA", msg.Key)
	assert.Equal(t, TypeMessage, msg.Type)

	st := StatusClaim("wamid.AAA", "delivered")
	assert.Equal(t, "status_wamid.AAA_delivered", st.Key)
	assert.Equal(t, "wamid.AAA", st.MessageID)
	assert.Equal(t, TypeStatus, st.Type)

	echo := EchoClaim("wamid.AAA")
	assert.Equal(t, "echo_wamid.AAA", echo.Key)
	assert.Equal(t, TypeEcho, echo.Type)
}

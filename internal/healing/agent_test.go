package healing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/constants"
	"warden/internal/logger"
	"warden/pkg/bus"
	"warden/pkg/retry"
)

type eventCollector struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *eventCollector) handle(ctx context.Context, evt bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *eventCollector) byType(eventType string) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []bus.Event
	for _, evt := range c.events {
		if evt.Type == eventType {
			matched = append(matched, evt)
		}
	}
	return matched
}

func (c *eventCollector) waitForType(t *testing.T, eventType string, want int) []bus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.byType(eventType); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := c.byType(eventType)
	require.GreaterOrEqual(t, len(got), want, "timed out waiting for %d %s events", want, eventType)
	return got
}

func createTestAgent(t *testing.T, cfg config.HealingConfig) (*Agent, *bus.SyncBus, *eventCollector) {
	t.Helper()

	b := bus.NewSyncBus(logger.NopLogger())
	collector := &eventCollector{}
	_, err := b.Subscribe("system.*", collector.handle)
	require.NoError(t, err)

	agent := NewAgent(cfg, nil, logger.NopLogger())
	require.NoError(t, agent.Activate(context.Background(), b))
	t.Cleanup(func() {
		require.NoError(t, agent.Deactivate(context.Background()))
	})

	return agent, b, collector
}

// failAction keeps recovery from succeeding so failure history accumulates
// deterministically; successful recoveries clear history asynchronously.
func failAction(ctx context.Context, component, errorType string) error {
	return assert.AnError
}

func publishFailure(t *testing.T, b *bus.SyncBus, component, message string) {
	t.Helper()
	err := b.Publish(context.Background(), bus.NewEvent(bus.TopicSystemError, "test", map[string]interface{}{
		"component": component,
		"error":     message,
	}))
	require.NoError(t, err)
}

func TestAgent_BreakerOpensAtThreshold(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold:      3,
		BreakerWindowSeconds:  60,
		BreakerTimeoutSeconds: 60,
		BackoffBaseMs:         1,
	})
	agent.RegisterAction("connection", failAction)

	for i := 0; i < 3; i++ {
		publishFailure(t, b, "worker", "connection refused")
	}

	opened := collector.byType(bus.TopicBreakerOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "worker", opened[0].PayloadString("component"))

	views := agent.ComponentViews()
	require.Len(t, views, 1)
	assert.True(t, views[0].BreakerOpen)
	assert.Equal(t, 3, views[0].FailureCount)
}

func TestAgent_OpenBreakerSkipsRecovery(t *testing.T) {
	// Scenario: breaker threshold 5, five failures inside the window open the
	// breaker; a sixth failure arriving before the timeout must not start a
	// recovery attempt.
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold:      5,
		BreakerWindowSeconds:  60,
		BreakerTimeoutSeconds: 60,
		BackoffBaseMs:         1,
	})

	var attempts int
	var mu sync.Mutex
	agent.RegisterAction("connection", func(ctx context.Context, component, errorType string) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return assert.AnError
	})

	for i := 0; i < 5; i++ {
		publishFailure(t, b, "X", "connection refused")
	}

	opened := collector.byType(bus.TopicBreakerOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "X", opened[0].PayloadString("component"))

	// The four failures below the threshold each started a recovery; the
	// fifth opened the breaker instead.
	collector.waitForType(t, bus.TopicRecoveryStarted, 4)
	collector.waitForType(t, bus.TopicRecoveryFailed, 4)

	mu.Lock()
	attemptsBefore := attempts
	mu.Unlock()

	publishFailure(t, b, "X", "connection refused")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, attemptsBefore, attempts, "no recovery may run while the breaker is open")
	assert.Len(t, collector.byType(bus.TopicRecoveryStarted), 4)
}

func TestAgent_BreakerClosesAfterTimeout(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold:      2,
		BreakerWindowSeconds:  60,
		BreakerTimeoutSeconds: 60,
		BackoffBaseMs:         1,
	})
	agent.RegisterAction("connection", failAction)

	publishFailure(t, b, "worker", "connection refused")
	publishFailure(t, b, "worker", "connection refused")
	require.Len(t, collector.byType(bus.TopicBreakerOpened), 1)

	// Force the breaker record to look expired instead of sleeping out the
	// timeout.
	agent.mu.Lock()
	rec := agent.tracker.breakers["worker"]
	rec.openedAt = time.Now().Add(-2 * rec.timeout)
	agent.tracker.breakers["worker"] = rec
	agent.mu.Unlock()

	publishFailure(t, b, "worker", "connection refused")

	closed := collector.byType(bus.TopicBreakerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "worker", closed[0].PayloadString("component"))

	// The stale in-window failures still count toward the threshold, so the
	// next failure after expiry may immediately re-open; with a fresh window
	// it is processed normally.
	views := agent.ComponentViews()
	require.Len(t, views, 1)
}

func TestAgent_IsolationIsTerminal(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold:       100,
		IsolationThreshold:     3,
		IsolationWindowSeconds: 300,
		BackoffBaseMs:          1,
	})
	agent.RegisterAction("connection", failAction)

	for i := 0; i < 3; i++ {
		publishFailure(t, b, "worker", "connection refused")
	}

	isolated := collector.byType(bus.TopicComponentIsolated)
	require.Len(t, isolated, 1)
	assert.Equal(t, bus.PriorityCritical, isolated[0].Metadata.Priority)

	// Two recoveries started before the third failure isolated the
	// component; further failures trigger nothing.
	collector.waitForType(t, bus.TopicRecoveryStarted, 2)
	collector.waitForType(t, bus.TopicRecoveryFailed, 2)
	for i := 0; i < 5; i++ {
		publishFailure(t, b, "worker", "connection refused")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, collector.byType(bus.TopicComponentIsolated), 1)
	assert.Len(t, collector.byType(bus.TopicRecoveryStarted), 2)

	views := agent.ComponentViews()
	require.Len(t, views, 1)
	assert.True(t, views[0].Isolated)
}

func TestAgent_IsolationRemovesOpenBreaker(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold:       2,
		BreakerWindowSeconds:   60,
		IsolationThreshold:     4,
		IsolationWindowSeconds: 300,
		BackoffBaseMs:          1,
	})
	agent.RegisterAction("connection", failAction)

	for i := 0; i < 2; i++ {
		publishFailure(t, b, "worker", "connection refused")
	}
	require.Len(t, collector.byType(bus.TopicBreakerOpened), 1)

	// Failures behind an open breaker still accumulate history and cross the
	// isolation threshold.
	publishFailure(t, b, "worker", "connection refused")
	publishFailure(t, b, "worker", "connection refused")

	require.Len(t, collector.byType(bus.TopicComponentIsolated), 1)
	views := agent.ComponentViews()
	require.Len(t, views, 1)
	assert.True(t, views[0].Isolated)
	assert.False(t, views[0].BreakerOpen, "isolation removes the breaker record")
}

func TestAgent_ClearIsolationRestartsClean(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold:       100,
		IsolationThreshold:     2,
		IsolationWindowSeconds: 300,
		BackoffBaseMs:          1,
	})
	agent.RegisterAction("connection", failAction)

	publishFailure(t, b, "worker", "connection refused")
	publishFailure(t, b, "worker", "connection refused")
	require.Len(t, collector.byType(bus.TopicComponentIsolated), 1)

	require.NoError(t, agent.ClearIsolation(context.Background(), "worker"))
	assert.Empty(t, agent.ComponentViews(), "history is wiped with the isolation")

	assert.Error(t, agent.ClearIsolation(context.Background(), "worker"))

	// The component can be isolated again after a fresh run of failures.
	publishFailure(t, b, "worker", "connection refused")
	publishFailure(t, b, "worker", "connection refused")
	assert.Len(t, collector.byType(bus.TopicComponentIsolated), 2)
}

func TestAgent_RecoverySuccessClearsFailures(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold: 100,
		BackoffBaseMs:    1,
	})

	publishFailure(t, b, "worker", "connection refused")
	collector.waitForType(t, bus.TopicRecoverySuccessful, 1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(agent.ComponentViews()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Empty(t, agent.ComponentViews(), "successful recovery clears the failure history")
}

func TestAgent_FailingActionEmitsRecoveryFailed(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold: 100,
		BackoffBaseMs:    1,
	})
	agent.RegisterAction("connection", func(ctx context.Context, component, errorType string) error {
		return assert.AnError
	})

	publishFailure(t, b, "worker", "connection refused")

	failed := collector.waitForType(t, bus.TopicRecoveryFailed, 1)
	assert.Equal(t, "worker", failed[0].PayloadString("component"))
	assert.NotEmpty(t, failed[0].PayloadString("error"))

	// History stays: the failure was not healed.
	views := agent.ComponentViews()
	require.Len(t, views, 1)
	assert.Equal(t, 1, views[0].FailureCount)
}

func TestAgent_RecoveryTimeoutEmitsRecoveryError(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold:       100,
		BackoffBaseMs:          1,
		RecoveryTimeoutSeconds: 1,
	})
	agent.recoveryTimeout = 20 * time.Millisecond
	agent.RegisterAction("connection", func(ctx context.Context, component, errorType string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	publishFailure(t, b, "worker", "connection refused")

	errored := collector.waitForType(t, bus.TopicRecoveryError, 1)
	assert.Equal(t, "worker", errored[0].PayloadString("component"))
}

func TestAgent_ExhaustedAttemptsStopRecovery(t *testing.T) {
	agent, b, collector := createTestAgent(t, config.HealingConfig{
		BreakerThreshold: 100,
		BackoffBaseMs:    1,
	})
	agent.strategies["connection"] = Strategy{
		Name:        "reconnect",
		MaxAttempts: 2,
		Action: func(ctx context.Context, component, errorType string) error {
			return assert.AnError
		},
	}

	for i := 0; i < 3; i++ {
		publishFailure(t, b, "worker", "connection refused")
		time.Sleep(30 * time.Millisecond)
	}

	started := collector.byType(bus.TopicRecoveryStarted)
	assert.Len(t, started, 2, "the third qualifying failure exceeds the attempt budget")

	failed := collector.waitForType(t, bus.TopicRecoveryFailed, 3)
	exhausted := false
	for _, evt := range failed {
		if evt.PayloadString("reason") == "max attempts exceeded" {
			exhausted = true
		}
	}
	assert.True(t, exhausted)
}

func TestBackoffDelaysAreMonotoneAndCapped(t *testing.T) {
	base := constants.DefaultBackoffBase
	cap := constants.DefaultBackoffCap

	previous := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		delay := retry.CalculateBackoffDuration(attempt-1, base, 2.0, cap)
		assert.GreaterOrEqual(t, delay, previous, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, cap, "attempt %d", attempt)
		previous = delay
	}

	assert.Equal(t, time.Second, retry.CalculateBackoffDuration(0, base, 2.0, cap))
	assert.Equal(t, 2*time.Second, retry.CalculateBackoffDuration(1, base, 2.0, cap))
	assert.Equal(t, 16*time.Second, retry.CalculateBackoffDuration(4, base, 2.0, cap))
	assert.Equal(t, cap, retry.CalculateBackoffDuration(9, base, 2.0, cap))
}

func TestHealthScore(t *testing.T) {
	assert.InDelta(t, 1.0, HealthScore(0, 0, 0, 0), 1e-9)
	assert.InDelta(t, 0.9, HealthScore(1, 0, 0, 0), 1e-9)
	assert.InDelta(t, 0.95, HealthScore(0, 1, 0, 0), 1e-9)
	assert.InDelta(t, 0.8, HealthScore(0, 0, 0, 0.95), 1e-9)
	assert.InDelta(t, 0.9, HealthScore(0, 0, 0, 0.8), 1e-9)
	assert.InDelta(t, 0.7, HealthScore(0, 0, 100, 0), 1e-9, "failure penalty caps at 0.3")
	assert.Equal(t, 0.0, HealthScore(10, 10, 100, 0.95), "score clamps at zero")
}

func TestKeywordErrorType(t *testing.T) {
	assert.Equal(t, "memory", KeywordErrorType("out of memory"))
	assert.Equal(t, "memory", KeywordErrorType("heap exhausted"))
	assert.Equal(t, "timeout", KeywordErrorType("request timed out"))
	assert.Equal(t, "timeout", KeywordErrorType("context deadline exceeded"))
	assert.Equal(t, "validation", KeywordErrorType("invalid payload schema"))
	assert.Equal(t, "connection", KeywordErrorType("connection refused"))
	assert.Equal(t, "connection", KeywordErrorType("something else entirely"))
}

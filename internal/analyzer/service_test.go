package analyzer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/logger"
	"warden/pkg/bus"
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

func createTestAnalyzer(t *testing.T, cfg config.AnalyzerConfig) (*Analyzer, *bus.SyncBus, *eventCollector) {
	t.Helper()

	b := bus.NewSyncBus(logger.NopLogger())
	collector := &eventCollector{}
	_, err := b.Subscribe("*", collector.handle)
	require.NoError(t, err)

	analyzer := NewAnalyzer(cfg, logger.NopLogger())
	require.NoError(t, analyzer.Activate(context.Background(), b))
	t.Cleanup(func() {
		require.NoError(t, analyzer.Deactivate(context.Background()))
	})

	return analyzer, b, collector
}

func TestAnalyzer_TracksFrequencyAndLatency(t *testing.T) {
	analyzer, b, _ := createTestAnalyzer(t, config.AnalyzerConfig{})
	ctx := context.Background()

	for i, ms := range []float64{100, 200, 300} {
		evt := bus.NewEvent(bus.TopicMessageReceived, "ingestion-pipeline", map[string]interface{}{
			"message_id":    i,
			"processing_ms": ms,
		})
		require.NoError(t, b.Publish(ctx, evt))
	}

	stats := analyzer.Stats()
	assert.Equal(t, int64(3), stats["events_analyzed"])

	types := stats["event_types"].(map[string]interface{})
	entry := types[bus.TopicMessageReceived].(map[string]interface{})
	assert.Equal(t, int64(3), entry["count"])
	assert.Equal(t, 3, entry["per_minute"])
	assert.Equal(t, float64(200), entry["avg_latency_ms"])
	assert.Equal(t, float64(100), entry["min_latency_ms"])
	assert.Equal(t, float64(300), entry["max_latency_ms"])
}

func TestAnalyzer_BurstEmitsFusion(t *testing.T) {
	_, b, collector := createTestAnalyzer(t, config.AnalyzerConfig{})
	ctx := context.Background()

	payload := map[string]interface{}{"check": "ping"}
	require.NoError(t, b.Publish(ctx, bus.NewEvent("probe.tick", "probe", payload)))
	require.NoError(t, b.Publish(ctx, bus.NewEvent("probe.tick", "probe", payload)))

	suggestions := collector.byType(bus.TopicOptimizationSuggestion)
	require.Len(t, suggestions, 1)

	evt := suggestions[0]
	assert.Equal(t, Component, evt.Metadata.Source)
	assert.Equal(t, "fusion", evt.PayloadString("kind"))
	assert.Equal(t, "probe.tick", evt.PayloadString("event_type"))

	duplicates, ok := evt.PayloadFloat("duplicates")
	require.True(t, ok)
	assert.Equal(t, float64(2), duplicates)
}

func TestAnalyzer_NoFusionForDistinctPayloads(t *testing.T) {
	_, b, collector := createTestAnalyzer(t, config.AnalyzerConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		evt := bus.NewEvent("probe.tick", "probe", map[string]interface{}{"seq": i})
		require.NoError(t, b.Publish(ctx, evt))
	}

	assert.Empty(t, collector.byType(bus.TopicOptimizationSuggestion))
}

func TestAnalyzer_LatencyBottleneck(t *testing.T) {
	_, b, collector := createTestAnalyzer(t, config.AnalyzerConfig{LatencyThresholdMs: 50})
	ctx := context.Background()

	evt := bus.NewEvent(bus.TopicMessageReceived, "ingestion-pipeline", map[string]interface{}{
		"message_id":    "wamid.SLOW",
		"processing_ms": float64(120),
	})
	require.NoError(t, b.Publish(ctx, evt))

	suggestions := collector.byType(bus.TopicOptimizationSuggestion)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "bottleneck", suggestions[0].PayloadString("kind"))

	avg, ok := suggestions[0].PayloadFloat("avg_latency_ms")
	require.True(t, ok)
	assert.Equal(t, float64(120), avg)

	_, hasFrequency := suggestions[0].Payload["per_minute"]
	assert.False(t, hasFrequency)
}

func TestAnalyzer_FrequencyCapBottleneck(t *testing.T) {
	_, b, collector := createTestAnalyzer(t, config.AnalyzerConfig{FrequencyCap: 3})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		evt := bus.NewEvent(bus.TopicMessageReceived, "ingestion-pipeline", map[string]interface{}{"seq": i})
		require.NoError(t, b.Publish(ctx, evt))
	}

	suggestions := collector.byType(bus.TopicOptimizationSuggestion)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "bottleneck", suggestions[0].PayloadString("kind"))

	perMinute, ok := suggestions[0].PayloadFloat("per_minute")
	require.True(t, ok)
	assert.Equal(t, float64(4), perMinute)
}

func TestAnalyzer_PatternMining(t *testing.T) {
	analyzer, b, collector := createTestAnalyzer(t, config.AnalyzerConfig{})
	ctx := context.Background()

	seq := 0
	for round := 0; round < 3; round++ {
		for _, eventType := range []string{"flow.a", "flow.b", "flow.c"} {
			evt := bus.NewEvent(eventType, "probe", map[string]interface{}{"seq": seq})
			require.NoError(t, b.Publish(ctx, evt))
			seq++
		}
	}

	analyzer.minePatterns(ctx)

	patterns := collector.byType(bus.TopicPatternDetected)
	require.Len(t, patterns, 1)

	evt := patterns[0]
	assert.Equal(t, Component, evt.Metadata.Source)
	assert.Equal(t, []string{"flow.a", "flow.b", "flow.c"}, evt.Payload["sequence"])

	count, ok := evt.PayloadFloat("count")
	require.True(t, ok)
	assert.Equal(t, float64(3), count)

	stats := analyzer.Stats()
	assert.Equal(t, int64(1), stats["patterns"])
}

func TestAnalyzer_MiningNeedsRecurrence(t *testing.T) {
	analyzer, b, collector := createTestAnalyzer(t, config.AnalyzerConfig{})
	ctx := context.Background()

	for i, eventType := range []string{"flow.a", "flow.b", "flow.c", "flow.d"} {
		require.NoError(t, b.Publish(ctx, bus.NewEvent(eventType, "probe", map[string]interface{}{"seq": i})))
	}

	analyzer.minePatterns(ctx)
	assert.Empty(t, collector.byType(bus.TopicPatternDetected))
}

func TestAnalyzer_IgnoresOwnEvents(t *testing.T) {
	analyzer, b, _ := createTestAnalyzer(t, config.AnalyzerConfig{})
	ctx := context.Background()

	evt := bus.NewEvent(bus.TopicOptimizationSuggestion, Component, map[string]interface{}{"kind": "fusion"})
	require.NoError(t, b.Publish(ctx, evt))

	stats := analyzer.Stats()
	assert.Equal(t, int64(0), stats["events_analyzed"])
}

func TestAnalyzer_DeactivateStopsAnalysis(t *testing.T) {
	b := bus.NewSyncBus(logger.NopLogger())
	analyzer := NewAnalyzer(config.AnalyzerConfig{}, logger.NopLogger())
	ctx := context.Background()

	require.NoError(t, analyzer.Activate(ctx, b))
	require.NoError(t, b.Publish(ctx, bus.NewEvent("probe.tick", "probe", nil)))
	require.NoError(t, analyzer.Deactivate(ctx))
	require.NoError(t, b.Publish(ctx, bus.NewEvent("probe.tick", "probe", nil)))

	stats := analyzer.Stats()
	assert.Equal(t, int64(1), stats["events_analyzed"])
}

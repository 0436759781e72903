package learning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/logger"
	"warden/pkg/bus"
)

type memorySnapshotRepo struct {
	mu      sync.Mutex
	entries []*ModelEntry
	saves   int
	loadErr error
	saveErr error
}

func (r *memorySnapshotRepo) Save(ctx context.Context, entries []*ModelEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.entries = entries
	r.saves++
	return nil
}

func (r *memorySnapshotRepo) Load(ctx context.Context) ([]*ModelEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return r.entries, nil
}

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

func createTestAgent(t *testing.T, cfg config.LearningConfig, repo SnapshotRepository) (*Agent, *bus.SyncBus) {
	t.Helper()

	b := bus.NewSyncBus(logger.NopLogger())
	agent, err := NewAgent(cfg, repo, logger.NopLogger())
	require.NoError(t, err)
	require.NoError(t, agent.Activate(context.Background(), b))
	t.Cleanup(func() {
		require.NoError(t, agent.Deactivate(context.Background()))
	})

	return agent, b
}

func publishPattern(t *testing.T, b *bus.SyncBus, sequence []string) {
	t.Helper()
	err := b.Publish(context.Background(), bus.NewEvent(bus.TopicPatternDetected, "flow-analyzer", map[string]interface{}{
		"sequence": sequence,
		"count":    3,
	}))
	require.NoError(t, err)
}

func TestModel_FoldTracksRunningAverages(t *testing.T) {
	model, err := NewModel(10)
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC) // a Monday
	evt := bus.Event{
		Type:     "message.received",
		Payload:  map[string]interface{}{"processing_ms": 10.0},
		Metadata: bus.Metadata{Timestamp: now},
	}
	model.Fold(evt, now)

	evt.Payload = map[string]interface{}{"processing_ms": 30.0}
	model.Fold(evt, now)

	entries := model.Entries()
	require.Len(t, entries, 1)
	entry := entries[0]

	assert.Equal(t, ModelKey{Category: "message", EventType: "message.received"}, entry.Key)
	assert.EqualValues(t, 2, entry.Count)
	assert.InDelta(t, 14.0, entry.AvgHourOfDay, 1e-9)
	assert.InDelta(t, float64(time.Monday), entry.AvgDayOfWeek, 1e-9)
	assert.InDelta(t, 20.0, entry.Performance.AvgProcessingMs, 1e-9)
	assert.InDelta(t, 1.0, entry.Performance.SuccessRate, 1e-9)
	assert.InDelta(t, 0.0, entry.Performance.ErrorRate, 1e-9)
}

func TestModel_ErrorRateReflectsErrorEvents(t *testing.T) {
	model, err := NewModel(10)
	require.NoError(t, err)
	now := time.Now()

	for i := 0; i < 3; i++ {
		model.Fold(bus.NewEvent(bus.TopicSystemError, "test", map[string]interface{}{"error": "boom"}), now)
	}
	model.Fold(bus.NewEvent(bus.TopicSystemError, "test", nil), now)

	entries := model.Entries()
	require.Len(t, entries, 1)
	assert.InDelta(t, 1.0, entries[0].Performance.ErrorRate, 1e-9)
	assert.InDelta(t, 0.0, entries[0].Performance.SuccessRate, 1e-9)
}

func TestModel_CapacityEvictsLeastActiveKey(t *testing.T) {
	model, err := NewModel(2)
	require.NoError(t, err)
	now := time.Now()

	model.Fold(bus.NewEvent("a.one", "test", nil), now)
	model.Fold(bus.NewEvent("b.two", "test", nil), now)
	model.Fold(bus.NewEvent("a.one", "test", nil), now)
	// Third key evicts b.two, the least recently touched.
	model.Fold(bus.NewEvent("c.three", "test", nil), now)

	assert.Equal(t, 2, model.Len())
	types := make(map[string]bool)
	for _, entry := range model.Entries() {
		types[entry.Key.EventType] = true
	}
	assert.True(t, types["a.one"])
	assert.True(t, types["c.three"])
	assert.False(t, types["b.two"])
}

func TestAgent_FoldsPublishedEvents(t *testing.T) {
	agent, b := createTestAgent(t, config.LearningConfig{}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), bus.NewEvent("message.received", "test", nil)))
	}

	stats := agent.Stats()
	assert.EqualValues(t, 5, stats["events_seen"])
	assert.Equal(t, 1, stats["model_size"])
}

func TestAgent_SynthesizesRuleWhenEffective(t *testing.T) {
	// Threshold 0.02 means the third detection (effectiveness 0.03) crosses,
	// since crossing is strict.
	agent, b := createTestAgent(t, config.LearningConfig{EffectivenessThreshold: 0.02}, nil)

	collector := &eventCollector{}
	_, err := b.Subscribe(bus.TopicOptimizationSuggestion, collector.handle)
	require.NoError(t, err)

	sequence := []string{"message.received", "message.status.sent", "message.status.delivered"}
	publishPattern(t, b, sequence)
	publishPattern(t, b, sequence)
	assert.Empty(t, agent.RuleViews())

	publishPattern(t, b, sequence)
	rules := agent.RuleViews()
	require.Len(t, rules, 1)
	assert.Equal(t, patternKey(sequence), rules[0].Pattern)
	assert.EqualValues(t, 0, rules[0].AppliedCount)

	// The rule now fires on the sequence's leading topic.
	require.NoError(t, b.Publish(context.Background(), bus.NewEvent("message.received", "ingestion-pipeline", nil)))

	suggestions := collector.byType(bus.TopicOptimizationSuggestion)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "rule", suggestions[0].PayloadString("kind"))
	assert.Equal(t, rules[0].ID, suggestions[0].PayloadString("rule_id"))

	rules = agent.RuleViews()
	require.Len(t, rules, 1)
	assert.EqualValues(t, 1, rules[0].AppliedCount)
}

func TestAgent_RuleDoesNotFeedItself(t *testing.T) {
	agent, b := createTestAgent(t, config.LearningConfig{EffectivenessThreshold: 0.001}, nil)

	sequence := []string{bus.TopicOptimizationSuggestion, "message.received", "message.received"}
	publishPattern(t, b, sequence)
	require.Len(t, agent.RuleViews(), 1)

	// A suggestion published by the agent's own rule engine must not match
	// the rule again.
	require.NoError(t, b.Publish(context.Background(), bus.Event{
		Type:     bus.TopicOptimizationSuggestion,
		Payload:  map[string]interface{}{"kind": "rule"},
		Metadata: bus.Metadata{Source: Component},
	}))

	rules := agent.RuleViews()
	require.Len(t, rules, 1)
	assert.EqualValues(t, 0, rules[0].AppliedCount)
}

func TestAgent_ReviewRetiresIneffectiveRules(t *testing.T) {
	agent, b := createTestAgent(t, config.LearningConfig{
		EffectivenessThreshold: 0.001,
		RuleMinApplications:    2,
		RuleMinEffectiveness:   0.5,
	}, nil)

	sequence := []string{"message.received", "message.status.sent", "message.status.read"}
	publishPattern(t, b, sequence)
	require.Len(t, agent.RuleViews(), 1)

	// Apply the rule past the review minimum.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), bus.NewEvent("message.received", "test", nil)))
	}

	// One occurrence gives effectiveness 0.01, far below the 0.5 retirement
	// bar, so the review retires the rule.
	agent.reviewRules(context.Background())
	assert.Empty(t, agent.RuleViews())

	stats := agent.Stats()
	assert.EqualValues(t, 1, stats["rules_created"])
	assert.EqualValues(t, 1, stats["rules_retired"])

	// The retired rule's subscription is gone: applying events changes nothing.
	require.NoError(t, b.Publish(context.Background(), bus.NewEvent("message.received", "test", nil)))
	assert.Empty(t, agent.RuleViews())
}

func TestAgent_PersistsAndRestoresModel(t *testing.T) {
	repo := &memorySnapshotRepo{}

	b := bus.NewSyncBus(logger.NopLogger())
	agent, err := NewAgent(config.LearningConfig{}, repo, logger.NopLogger())
	require.NoError(t, err)
	require.NoError(t, agent.Activate(context.Background(), b))

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), bus.NewEvent("message.received", "test", nil)))
	}
	require.NoError(t, agent.Deactivate(context.Background()))

	repo.mu.Lock()
	require.NotEmpty(t, repo.entries)
	repo.mu.Unlock()

	// A fresh agent reloads the snapshot at startup.
	b2 := bus.NewSyncBus(logger.NopLogger())
	restored, err := NewAgent(config.LearningConfig{}, repo, logger.NopLogger())
	require.NoError(t, err)
	require.NoError(t, restored.Activate(context.Background(), b2))
	t.Cleanup(func() {
		require.NoError(t, restored.Deactivate(context.Background()))
	})

	stats := restored.Stats()
	assert.Equal(t, 1, stats["model_size"])
}

func TestAgent_ColdStartWithFailingStore(t *testing.T) {
	repo := &memorySnapshotRepo{loadErr: assert.AnError, saveErr: assert.AnError}

	agent, b := createTestAgent(t, config.LearningConfig{}, repo)

	// Neither load nor save failures disturb processing.
	require.NoError(t, b.Publish(context.Background(), bus.NewEvent("message.received", "test", nil)))
	agent.persist(context.Background())

	stats := agent.Stats()
	assert.Equal(t, 1, stats["model_size"])
}

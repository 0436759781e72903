package learning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/constants"
	"warden/internal/logger"
	"warden/pkg/bus"
	"warden/pkg/cel"
	"warden/pkg/metrics"
)

const Component = "learning-agent"

// Detected sequences are 3-grams over a small topic alphabet; a hard cap
// keeps the pattern map bounded regardless.
const maxTrackedPatterns = 256

// Agent learns from the event stream: it folds per-event features into the
// LRU-bounded pattern model, turns recurring sequences reported by the flow
// analyzer into optimization rules once they prove effective, and retires
// rules that stop earning their keep. The model survives restarts through
// the snapshot repository; everything else is rebuilt from live traffic.
type Agent struct {
	logger    logger.Logger
	repo      SnapshotRepository
	evaluator *cel.Evaluator

	effectivenessThreshold float64
	persistInterval        time.Duration
	reviewInterval         time.Duration
	ruleMinApplications    int64
	ruleMinEffectiveness   float64

	mu           sync.Mutex
	model        *Model
	patterns     map[string]*patternStat
	rules        map[string]*Rule
	eventsSeen   int64
	rulesCreated int64
	rulesRetired int64

	bus      bus.Bus
	subs     []bus.Subscription
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAgent builds the agent. A nil repo means the model lives only in
// memory, which is also the degraded mode entered on store errors.
func NewAgent(cfg config.LearningConfig, repo SnapshotRepository, log logger.Logger) (*Agent, error) {
	capacity := cfg.ModelCapacity
	if capacity <= 0 {
		capacity = constants.DefaultModelCapacity
	}

	threshold := cfg.EffectivenessThreshold
	if threshold <= 0 {
		threshold = constants.DefaultEffectivenessThreshold
	}

	persistInterval := time.Duration(cfg.PersistIntervalSeconds) * time.Second
	if persistInterval <= 0 {
		persistInterval = constants.DefaultPersistInterval
	}

	reviewInterval := time.Duration(cfg.RuleReviewIntervalSeconds) * time.Second
	if reviewInterval <= 0 {
		reviewInterval = constants.DefaultRuleReviewInterval
	}

	minApplications := int64(cfg.RuleMinApplications)
	if minApplications <= 0 {
		minApplications = constants.DefaultRuleMinApplications
	}

	minEffectiveness := cfg.RuleMinEffectiveness
	if minEffectiveness <= 0 {
		minEffectiveness = constants.DefaultRuleMinEffectiveness
	}

	model, err := NewModel(capacity)
	if err != nil {
		return nil, err
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}

	return &Agent{
		logger:                 log,
		repo:                   repo,
		evaluator:              evaluator,
		effectivenessThreshold: threshold,
		persistInterval:        persistInterval,
		reviewInterval:         reviewInterval,
		ruleMinApplications:    minApplications,
		ruleMinEffectiveness:   minEffectiveness,
		model:                  model,
		patterns:               make(map[string]*patternStat),
		rules:                  make(map[string]*Rule),
		stop:                   make(chan struct{}),
	}, nil
}

func (a *Agent) Name() string {
	return Component
}

// Activate reloads the model snapshot, subscribes and starts the persist
// and review timers. A missing snapshot is a cold start; a failing store
// only costs durability.
func (a *Agent) Activate(ctx context.Context, b bus.Bus) error {
	a.bus = b

	if a.repo != nil {
		entries, err := a.repo.Load(ctx)
		if err != nil {
			a.logger.WarnwCtx(ctx, "Model snapshot load failed, starting cold", "error", err)
		} else if len(entries) > 0 {
			a.mu.Lock()
			a.model.Restore(entries)
			a.mu.Unlock()
			a.logger.InfowCtx(ctx, "Model snapshot restored", "entries", len(entries))
		}
	}

	streamSub, err := b.SubscribeNamed(Component, "*", a.handleEvent)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, streamSub)

	patternSub, err := b.SubscribeNamed(Component, bus.TopicPatternDetected, a.handlePattern)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, patternSub)

	a.wg.Add(2)
	go a.persistLoop(ctx)
	go a.reviewLoop(ctx)

	a.logger.InfowCtx(ctx, "Learning agent activated",
		"effectiveness_threshold", a.effectivenessThreshold,
		"persist_interval", a.persistInterval,
	)
	return nil
}

// Deactivate flushes the model before letting go of the bus.
func (a *Agent) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	for _, rule := range a.rules {
		if rule.sub != nil {
			rule.sub.Unsubscribe()
		}
	}
	a.mu.Unlock()

	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	a.subs = nil

	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()

	a.persist(ctx)
	a.logger.InfowCtx(ctx, "Learning agent deactivated")
	return nil
}

func (a *Agent) handleEvent(ctx context.Context, evt bus.Event) error {
	if evt.Metadata.Source == Component {
		return nil
	}

	a.mu.Lock()
	a.eventsSeen++
	a.model.Fold(evt, time.Now())
	a.mu.Unlock()

	metrics.IncLearningEvent()
	return nil
}

// handlePattern folds one pattern-detected report and synthesizes a rule
// once the pattern's effectiveness crosses the threshold.
func (a *Agent) handlePattern(ctx context.Context, evt bus.Event) error {
	sequence := sequenceFrom(evt)
	if len(sequence) == 0 {
		return nil
	}
	key := patternKey(sequence)

	a.mu.Lock()
	stat, ok := a.patterns[key]
	if !ok {
		if len(a.patterns) >= maxTrackedPatterns {
			a.mu.Unlock()
			return nil
		}
		stat = &patternStat{sequence: sequence}
		a.patterns[key] = stat
	}
	stat.occurrences++
	stat.lastSeen = time.Now()

	needRule := stat.ruleID == "" && stat.effectiveness() > a.effectivenessThreshold
	confidence := stat.effectiveness()
	a.mu.Unlock()

	if !needRule {
		return nil
	}
	return a.synthesizeRule(ctx, key, sequence, confidence)
}

func (a *Agent) synthesizeRule(ctx context.Context, key string, sequence []string, confidence float64) error {
	expression := ruleExpression(sequence)
	program, err := a.evaluator.CompileCondition(expression)
	if err != nil {
		a.logger.ErrorwCtx(ctx, "Failed to compile rule condition",
			"pattern", key,
			"expression", expression,
			"error", err,
		)
		return err
	}

	rule := &Rule{
		ID:         "rule-" + uuid.NewString(),
		Pattern:    key,
		Sequence:   sequence,
		Expression: expression,
		Confidence: confidence,
		CreatedAt:  time.Now(),
		program:    program,
	}

	sub, err := a.bus.SubscribeNamed(rule.ID, sequence[0], func(ctx context.Context, evt bus.Event) error {
		return a.applyRule(ctx, rule, evt)
	})
	if err != nil {
		return err
	}
	rule.sub = sub

	a.mu.Lock()
	// Another detection may have won the race while the lock was dropped.
	stat := a.patterns[key]
	if stat == nil || stat.ruleID != "" {
		a.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	stat.ruleID = rule.ID
	a.rules[rule.ID] = rule
	a.rulesCreated++
	metrics.SetOptimizationRulesActive(len(a.rules))
	a.mu.Unlock()

	a.logger.InfowCtx(ctx, "Optimization rule created",
		"rule_id", rule.ID,
		"pattern", key,
		"confidence", rule.Confidence,
	)
	return nil
}

// applyRule is the conditional-subscriber body: evaluate the condition and,
// on a match, anticipate the learned sequence with a suggestion event.
func (a *Agent) applyRule(ctx context.Context, rule *Rule, evt bus.Event) error {
	matched, err := a.evaluator.EvaluateProgram(ctx, rule.program, evt)
	if err != nil {
		metrics.IncOptimizationRuleApplication(rule.ID, "error")
		return err
	}
	if !matched {
		return nil
	}

	a.mu.Lock()
	rule.AppliedCount++
	applied := rule.AppliedCount
	a.mu.Unlock()

	metrics.IncOptimizationRuleApplication(rule.ID, "applied")
	a.logger.DebugwCtx(ctx, "Optimization rule applied",
		"rule_id", rule.ID,
		"pattern", rule.Pattern,
		"applied_count", applied,
	)

	return a.bus.Publish(ctx, bus.Event{
		Type: bus.TopicOptimizationSuggestion,
		Payload: map[string]interface{}{
			"kind":        "rule",
			"rule_id":     rule.ID,
			"pattern":     rule.Pattern,
			"anticipated": rule.Sequence[1:],
			"confidence":  rule.Confidence,
		},
		Metadata: bus.Metadata{Source: Component, CorrelationID: evt.ID},
	})
}

// reviewRules decays stale patterns and retires rules that have been
// applied enough to judge and whose pattern stopped recurring.
func (a *Agent) reviewRules(ctx context.Context) {
	now := time.Now()

	a.mu.Lock()
	var retired []*Rule
	for _, stat := range a.patterns {
		if now.Sub(stat.lastSeen) > a.reviewInterval {
			stat.occurrences /= 2
		}

		if stat.ruleID == "" {
			continue
		}
		rule := a.rules[stat.ruleID]
		if rule == nil {
			stat.ruleID = ""
			continue
		}
		if rule.AppliedCount > a.ruleMinApplications && stat.effectiveness() < a.ruleMinEffectiveness {
			delete(a.rules, rule.ID)
			stat.ruleID = ""
			a.rulesRetired++
			retired = append(retired, rule)
		}
	}
	metrics.SetOptimizationRulesActive(len(a.rules))
	a.mu.Unlock()

	for _, rule := range retired {
		if rule.sub != nil {
			rule.sub.Unsubscribe()
		}
		a.logger.InfowCtx(ctx, "Optimization rule retired",
			"rule_id", rule.ID,
			"pattern", rule.Pattern,
			"applied_count", rule.AppliedCount,
		)
	}
}

func (a *Agent) persistLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.persist(ctx)
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) reviewLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.reviewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.reviewRules(ctx)
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) persist(ctx context.Context) {
	if a.repo == nil {
		return
	}

	a.mu.Lock()
	entries := a.model.Entries()
	a.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	if err := a.repo.Save(ctx, entries); err != nil {
		metrics.IncModelSnapshot("error")
		a.logger.WarnwCtx(ctx, "Model snapshot save failed, continuing memory-only",
			"entries", len(entries),
			"error", err,
		)
		return
	}
	metrics.IncModelSnapshot("success")
	a.logger.DebugwCtx(ctx, "Model snapshot saved", "entries", len(entries))
}

// RuleViews reports the active rules for the operational API.
func (a *Agent) RuleViews() []RuleView {
	a.mu.Lock()
	defer a.mu.Unlock()

	views := make([]RuleView, 0, len(a.rules))
	for _, rule := range a.rules {
		views = append(views, rule.view())
	}
	return views
}

func (a *Agent) Stats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	return map[string]interface{}{
		"events_seen":      a.eventsSeen,
		"model_size":       a.model.Len(),
		"tracked_patterns": len(a.patterns),
		"active_rules":     len(a.rules),
		"rules_created":    a.rulesCreated,
		"rules_retired":    a.rulesRetired,
	}
}

func sequenceFrom(evt bus.Event) []string {
	raw, ok := evt.Payload["sequence"].([]interface{})
	if !ok {
		if typed, ok := evt.Payload["sequence"].([]string); ok {
			return typed
		}
		return nil
	}

	sequence := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		sequence = append(sequence, s)
	}
	return sequence
}

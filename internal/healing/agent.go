package healing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/constants"
	"warden/internal/logger"
	"warden/pkg/bus"
	pkgerrors "warden/pkg/errors"
	"warden/pkg/metrics"
	"warden/pkg/retry"
)

const Component = "healing-agent"

// Agent watches system.error events and tries to bring failing components
// back: it keeps per-component failure history, opens a circuit breaker when
// failures pile up inside the breaker window, isolates components that keep
// failing across the longer isolation window, and otherwise runs a typed
// recovery strategy with exponential backoff under a hard timeout.
//
// Breakers close themselves after their timeout. Isolation is terminal until
// ClearIsolation is called.
type Agent struct {
	logger     logger.Logger
	classifier Classifier

	breakerThreshold   int
	breakerWindow      time.Duration
	breakerTimeout     time.Duration
	isolationThreshold int
	isolationWindow    time.Duration
	backoffBase        time.Duration
	backoffCap         time.Duration
	recoveryTimeout    time.Duration
	healthInterval     time.Duration
	attemptWindow      time.Duration

	mu         sync.Mutex
	tracker    *tracker
	strategies map[string]Strategy

	failuresSeen      int64
	recoveriesStarted int64
	recoveriesOK      int64
	recoveriesFailed  int64

	bus      bus.Bus
	sub      bus.Subscription
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAgent(cfg config.HealingConfig, classifier Classifier, log logger.Logger) *Agent {
	breakerThreshold := cfg.BreakerThreshold
	if breakerThreshold <= 0 {
		breakerThreshold = constants.DefaultBreakerThreshold
	}

	breakerWindow := time.Duration(cfg.BreakerWindowSeconds) * time.Second
	if breakerWindow <= 0 {
		breakerWindow = constants.DefaultBreakerWindow
	}

	breakerTimeout := time.Duration(cfg.BreakerTimeoutSeconds) * time.Second
	if breakerTimeout <= 0 {
		breakerTimeout = constants.DefaultBreakerTimeout
	}

	isolationThreshold := cfg.IsolationThreshold
	if isolationThreshold <= 0 {
		isolationThreshold = constants.DefaultIsolationThreshold
	}

	isolationWindow := time.Duration(cfg.IsolationWindowSeconds) * time.Second
	if isolationWindow <= 0 {
		isolationWindow = constants.DefaultIsolationWindow
	}

	backoffBase := time.Duration(cfg.BackoffBaseMs) * time.Millisecond
	if backoffBase <= 0 {
		backoffBase = constants.DefaultBackoffBase
	}

	backoffCap := time.Duration(cfg.BackoffCapMs) * time.Millisecond
	if backoffCap <= 0 {
		backoffCap = constants.DefaultBackoffCap
	}

	recoveryTimeout := time.Duration(cfg.RecoveryTimeoutSeconds) * time.Second
	if recoveryTimeout <= 0 {
		recoveryTimeout = constants.DefaultRecoveryTimeout
	}

	healthInterval := time.Duration(cfg.HealthIntervalSeconds) * time.Second
	if healthInterval <= 0 {
		healthInterval = constants.DefaultHealthInterval
	}

	maxRecords := cfg.MaxFailureRecords
	if maxRecords <= 0 {
		maxRecords = constants.DefaultMaxFailureRecords
	}

	if classifier == nil {
		classifier = keywordClassifier{}
	}

	return &Agent{
		logger:             log,
		classifier:         classifier,
		breakerThreshold:   breakerThreshold,
		breakerWindow:      breakerWindow,
		breakerTimeout:     breakerTimeout,
		isolationThreshold: isolationThreshold,
		isolationWindow:    isolationWindow,
		backoffBase:        backoffBase,
		backoffCap:         backoffCap,
		recoveryTimeout:    recoveryTimeout,
		healthInterval:     healthInterval,
		attemptWindow:      constants.DefaultAttemptWindow,
		tracker:            newTracker(maxRecords),
		strategies:         defaultStrategies(),
		stop:               make(chan struct{}),
	}
}

func (a *Agent) Name() string {
	return Component
}

// RegisterAction swaps the recovery action for an error type. The strategy's
// name and attempt budget stay as configured.
func (a *Agent) RegisterAction(errorType string, action Action) {
	a.mu.Lock()
	defer a.mu.Unlock()

	strategy, ok := a.strategies[errorType]
	if !ok {
		strategy = Strategy{Name: errorType, MaxAttempts: 3}
	}
	strategy.Action = action
	a.strategies[errorType] = strategy
}

func (a *Agent) Activate(ctx context.Context, b bus.Bus) error {
	sub, err := b.SubscribeNamed(Component, bus.TopicSystemError, a.handleError)
	if err != nil {
		return err
	}
	a.bus = b
	a.sub = sub

	a.wg.Add(1)
	go a.healthLoop(ctx)

	a.logger.InfowCtx(ctx, "Healing agent activated",
		"breaker_threshold", a.breakerThreshold,
		"breaker_window", a.breakerWindow,
		"isolation_threshold", a.isolationThreshold,
		"isolation_window", a.isolationWindow,
	)
	return nil
}

func (a *Agent) Deactivate(ctx context.Context) error {
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()

	a.logger.InfowCtx(ctx, "Healing agent deactivated")
	return nil
}

// handleError runs the per-failure state machine: record, then isolate, skip
// on an open breaker, open the breaker, or launch a recovery attempt. The
// attempt itself runs on its own goroutine so backoff waits never block the
// publisher.
func (a *Agent) handleError(ctx context.Context, evt bus.Event) error {
	component := evt.PayloadString("component")
	if component == "" {
		component = "unknown"
	}
	errorType := a.classifier.Classify(ctx, evt)
	now := time.Now()

	metrics.IncComponentFailure(component, errorType)

	a.mu.Lock()
	a.failuresSeen++
	a.tracker.recordFailure(component, FailureRecord{
		Timestamp: now,
		ErrorType: errorType,
		Message:   evt.PayloadString("error"),
	})

	if a.tracker.isIsolated(component) {
		a.mu.Unlock()
		a.logger.DebugwCtx(ctx, "Skipping recovery, component isolated",
			"component", component,
			"error_type", errorType,
		)
		return nil
	}

	if a.tracker.failuresWithin(component, now, a.isolationWindow) >= a.isolationThreshold {
		a.tracker.isolate(component, now)
		a.publishGauges()
		a.mu.Unlock()

		a.logger.ErrorwCtx(ctx, "Component isolated from automated recovery",
			"component", component,
			"threshold", a.isolationThreshold,
			"window", a.isolationWindow,
		)
		a.publish(ctx, bus.Event{
			Type: bus.TopicComponentIsolated,
			Payload: map[string]interface{}{
				"component":  component,
				"error_type": errorType,
				"threshold":  a.isolationThreshold,
				"window_ms":  a.isolationWindow.Milliseconds(),
			},
			Metadata: bus.Metadata{Source: Component, Priority: bus.PriorityCritical},
		})
		return nil
	}

	open, expired := a.tracker.breakerOpen(component, now)
	if open {
		a.mu.Unlock()
		a.logger.DebugwCtx(ctx, "Skipping recovery, circuit breaker open",
			"component", component,
			"error_type", errorType,
		)
		return nil
	}
	if expired {
		a.publishGauges()
	}

	if a.tracker.failuresWithin(component, now, a.breakerWindow) >= a.breakerThreshold {
		a.tracker.openBreaker(component, now, a.breakerTimeout)
		a.publishGauges()
		a.mu.Unlock()

		if expired {
			a.publishBreakerClosed(ctx, component)
		}
		a.logger.WarnwCtx(ctx, "Circuit breaker opened",
			"component", component,
			"threshold", a.breakerThreshold,
			"timeout", a.breakerTimeout,
		)
		a.publish(ctx, bus.Event{
			Type: bus.TopicBreakerOpened,
			Payload: map[string]interface{}{
				"component":  component,
				"threshold":  a.breakerThreshold,
				"timeout_ms": a.breakerTimeout.Milliseconds(),
			},
			Metadata: bus.Metadata{Source: Component, Priority: bus.PriorityHigh},
		})
		return nil
	}

	strategy, ok := a.strategies[errorType]
	if !ok {
		strategy = a.strategies[pkgerrors.ErrorTypeConnection]
	}
	attempt := a.tracker.nextAttempt(pairKey{component: component, errorType: errorType}, now, a.attemptWindow)
	a.mu.Unlock()

	if expired {
		a.publishBreakerClosed(ctx, component)
	}

	if attempt > strategy.MaxAttempts {
		metrics.IncRecoveryAttempt(component, strategy.Name, "exhausted")
		a.logger.WarnwCtx(ctx, "Recovery attempts exhausted",
			"component", component,
			"strategy", strategy.Name,
			"attempt", attempt,
			"max_attempts", strategy.MaxAttempts,
		)
		a.publish(ctx, bus.Event{
			Type: bus.TopicRecoveryFailed,
			Payload: map[string]interface{}{
				"component":  component,
				"error_type": errorType,
				"strategy":   strategy.Name,
				"attempt":    attempt,
				"reason":     "max attempts exceeded",
			},
			Metadata: bus.Metadata{Source: Component, Priority: bus.PriorityHigh},
		})
		return nil
	}

	a.wg.Add(1)
	go a.recover(component, errorType, strategy, attempt, evt.ID)
	return nil
}

// recover waits out the backoff delay and runs the strategy action under the
// recovery timeout. The action races the timer; an action that outlives it is
// abandoned and reported as a timeout, not killed.
func (a *Agent) recover(component, errorType string, strategy Strategy, attempt int, causeID string) {
	defer a.wg.Done()

	ctx := context.Background()
	delay := retry.CalculateBackoffDuration(attempt-1, a.backoffBase, 2.0, a.backoffCap)

	a.mu.Lock()
	a.recoveriesStarted++
	a.mu.Unlock()

	metrics.IncRecoveryAttempt(component, strategy.Name, "started")
	a.publish(ctx, bus.Event{
		Type: bus.TopicRecoveryStarted,
		Payload: map[string]interface{}{
			"component":  component,
			"error_type": errorType,
			"strategy":   strategy.Name,
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
		},
		Metadata: bus.Metadata{Source: Component, CorrelationID: causeID},
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-a.stop:
		return
	}

	actionCtx, cancel := context.WithTimeout(ctx, a.recoveryTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- pkgerrors.RecoverPanic(r)
			}
		}()
		done <- strategy.Action(actionCtx, component, errorType)
	}()

	var err error
	select {
	case err = <-done:
	case <-actionCtx.Done():
		err = pkgerrors.ErrRecoveryTimeout.WithDetail("strategy", strategy.Name)
	case <-a.stop:
		err = pkgerrors.ErrRecoveryTimeout.WithDetail("reason", "shutdown")
	}
	duration := time.Since(start)
	metrics.ObserveRecoveryDuration(strategy.Name, duration)

	payload := map[string]interface{}{
		"component":   component,
		"error_type":  errorType,
		"strategy":    strategy.Name,
		"attempt":     attempt,
		"duration_ms": duration.Milliseconds(),
	}

	switch {
	case err == nil:
		a.mu.Lock()
		a.recoveriesOK++
		a.tracker.clearFailures(component, errorType)
		a.tracker.resetAttempts(pairKey{component: component, errorType: errorType})
		a.mu.Unlock()

		metrics.IncRecoveryAttempt(component, strategy.Name, "success")
		a.logger.Infow("Recovery succeeded",
			"component", component,
			"strategy", strategy.Name,
			"attempt", attempt,
		)
		a.publish(ctx, bus.Event{
			Type:     bus.TopicRecoverySuccessful,
			Payload:  payload,
			Metadata: bus.Metadata{Source: Component, CorrelationID: causeID},
		})

	case pkgerrors.IsRecoveryTimeout(err):
		a.mu.Lock()
		a.recoveriesFailed++
		a.mu.Unlock()

		metrics.IncRecoveryAttempt(component, strategy.Name, "timeout")
		a.logger.Errorw("Recovery timed out",
			"component", component,
			"strategy", strategy.Name,
			"timeout", a.recoveryTimeout,
		)
		payload["error"] = err.Error()
		a.publish(ctx, bus.Event{
			Type:     bus.TopicRecoveryError,
			Payload:  payload,
			Metadata: bus.Metadata{Source: Component, Priority: bus.PriorityHigh, CorrelationID: causeID},
		})

	default:
		a.mu.Lock()
		a.recoveriesFailed++
		a.mu.Unlock()

		metrics.IncRecoveryAttempt(component, strategy.Name, "failure")
		a.logger.Warnw("Recovery failed",
			"component", component,
			"strategy", strategy.Name,
			"attempt", attempt,
			"error", err,
		)
		payload["error"] = err.Error()
		a.publish(ctx, bus.Event{
			Type:     bus.TopicRecoveryFailed,
			Payload:  payload,
			Metadata: bus.Metadata{Source: Component, CorrelationID: causeID},
		})
	}
}

// ClearIsolation is the manual operator path out of isolation. It also wipes
// the component's failure history and attempt counters.
func (a *Agent) ClearIsolation(ctx context.Context, component string) error {
	a.mu.Lock()
	cleared := a.tracker.clearIsolation(component)
	if cleared {
		a.publishGauges()
	}
	a.mu.Unlock()

	if !cleared {
		return pkgerrors.ErrNotFound.WithDetail("component", component)
	}

	a.logger.InfowCtx(ctx, "Component isolation cleared", "component", component)
	return nil
}

// ComponentViews reports the healing state of every component seen so far.
func (a *Agent) ComponentViews() []ComponentView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracker.views(time.Now())
}

func (a *Agent) healthLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.reportHealth(ctx)
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reportHealth computes the health score and publishes it. Breakers whose
// timeout elapsed with no traffic close here, so a silent component does not
// pin its breaker open forever.
func (a *Agent) reportHealth(ctx context.Context) {
	now := time.Now()

	a.mu.Lock()
	closed := a.tracker.sweepBreakers(now)
	isolatedCount := len(a.tracker.isolated)
	breakerCount := len(a.tracker.breakers)
	recentFailures := a.tracker.totalFailuresWithin(now, a.isolationWindow)
	a.publishGauges()
	a.mu.Unlock()

	for _, component := range closed {
		a.publishBreakerClosed(ctx, component)
	}

	score := HealthScore(isolatedCount, breakerCount, recentFailures, memoryPressure())
	metrics.SetHealthScore(score)

	a.publish(ctx, bus.Event{
		Type: bus.TopicHealthReport,
		Payload: map[string]interface{}{
			"score":           score,
			"isolated":        isolatedCount,
			"open_breakers":   breakerCount,
			"recent_failures": recentFailures,
		},
		Metadata: bus.Metadata{Source: Component},
	})
}

// HealthScore folds breaker, isolation, failure-rate and memory state into
// one [0,1] number. Each isolated component costs 0.1, each open breaker
// 0.05; memory pressure and recent failures shave off the rest.
func HealthScore(isolated, openBreakers, recentFailures int, memRatio float64) float64 {
	score := 1.0
	score -= 0.1 * float64(isolated)
	score -= 0.05 * float64(openBreakers)

	switch {
	case memRatio > 0.9:
		score -= 0.2
	case memRatio > 0.75:
		score -= 0.1
	}

	failurePenalty := 0.02 * float64(recentFailures)
	if failurePenalty > 0.3 {
		failurePenalty = 0.3
	}
	score -= failurePenalty

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func memoryPressure() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapSys == 0 {
		return 0
	}
	return float64(stats.HeapAlloc) / float64(stats.HeapSys)
}

func (a *Agent) Stats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	return map[string]interface{}{
		"failures_seen":        a.failuresSeen,
		"recoveries_started":   a.recoveriesStarted,
		"recoveries_succeeded": a.recoveriesOK,
		"recoveries_failed":    a.recoveriesFailed,
		"tracked_components":   len(a.tracker.failures),
		"open_breakers":        len(a.tracker.breakers),
		"isolated_components":  len(a.tracker.isolated),
		"health_score": HealthScore(
			len(a.tracker.isolated),
			len(a.tracker.breakers),
			a.tracker.totalFailuresWithin(now, a.isolationWindow),
			memoryPressure(),
		),
	}
}

// publishGauges refreshes the breaker and isolation gauges; callers hold the
// mutex.
func (a *Agent) publishGauges() {
	metrics.SetOpenCircuitBreakers(len(a.tracker.breakers))
	metrics.SetIsolatedComponents(len(a.tracker.isolated))
}

func (a *Agent) publishBreakerClosed(ctx context.Context, component string) {
	a.logger.InfowCtx(ctx, "Circuit breaker closed", "component", component)
	a.publish(ctx, bus.Event{
		Type: bus.TopicBreakerClosed,
		Payload: map[string]interface{}{
			"component": component,
		},
		Metadata: bus.Metadata{Source: Component},
	})
}

func (a *Agent) publish(ctx context.Context, evt bus.Event) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(ctx, evt); err != nil {
		a.logger.WarnwCtx(ctx, "Failed to publish healing event",
			"event_type", evt.Type,
			"error", err,
		)
	}
}

// keywordClassifier is the zero-configuration fallback classifier.
type keywordClassifier struct{}

func (keywordClassifier) Classify(ctx context.Context, evt bus.Event) string {
	if tag := evt.PayloadString("error_type"); tag != "" && tag != pkgerrors.ErrorTypeUnknown {
		return tag
	}
	return KeywordErrorType(evt.PayloadString("error"))
}

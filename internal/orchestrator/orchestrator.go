package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"warden/internal/idempotency"
	"warden/internal/logger"
	"warden/pkg/bus"
	pkgerrors "warden/pkg/errors"
)

// Agent is a bus-driven component with an explicit lifecycle. Agents are
// constructed and registered once at startup; there is no dynamic loading.
type Agent interface {
	Name() string
	Activate(ctx context.Context, b bus.Bus) error
	Deactivate(ctx context.Context) error
	Stats() map[string]interface{}
}

// statusReporter is implemented by agents that can grade their own health
// beyond "responds without panicking".
type statusReporter interface {
	HealthStatus() string
}

const (
	StatusHealthy   = "healthy"
	StatusWarning   = "warning"
	StatusCritical  = "critical"
	StatusUnhealthy = "unhealthy"
)

// Orchestrator owns the startup and shutdown order of the event system:
// bus first, then the idempotency gate, then agents in registration order.
// Shutdown reverses that order so agents drain before the bus closes.
type Orchestrator struct {
	bus    bus.Bus
	gate   *idempotency.Gate
	logger logger.Logger

	mu        sync.Mutex
	agents    []Agent
	activated []Agent
	running   bool
	startedAt time.Time
}

func New(b bus.Bus, gate *idempotency.Gate, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		bus:    b,
		gate:   gate,
		logger: log,
	}
}

// Register adds agents to the startup list. Must be called before Start.
func (o *Orchestrator) Register(agents ...Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents = append(o.agents, agents...)
}

// Start activates the gate and every registered agent in order. A failing
// agent rolls back the ones already activated.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("orchestrator already started")
	}

	if o.gate != nil {
		o.gate.Start(ctx)
	}

	for _, agent := range o.agents {
		if err := agent.Activate(ctx, o.bus); err != nil {
			o.logger.ErrorwCtx(ctx, "Agent activation failed",
				"agent", agent.Name(),
				"error", err,
			)
			o.deactivateLocked(ctx)
			if o.gate != nil {
				o.gate.Stop()
			}
			return fmt.Errorf("failed to activate agent %s: %w", agent.Name(), err)
		}
		o.activated = append(o.activated, agent)
		o.logger.InfowCtx(ctx, "Agent activated", "agent", agent.Name())
	}

	o.running = true
	o.startedAt = time.Now()
	return nil
}

// Stop deactivates agents in reverse activation order, stops the gate and
// closes the bus. Individual deactivation failures are logged and do not
// stop the teardown.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running && len(o.activated) == 0 {
		return nil
	}

	o.deactivateLocked(ctx)

	if o.gate != nil {
		o.gate.Stop()
	}

	err := o.bus.Close()
	o.running = false

	o.logger.InfowCtx(ctx, "Orchestrator stopped")
	return err
}

func (o *Orchestrator) deactivateLocked(ctx context.Context) {
	for i := len(o.activated) - 1; i >= 0; i-- {
		agent := o.activated[i]
		if err := agent.Deactivate(ctx); err != nil {
			o.logger.WarnwCtx(ctx, "Agent deactivation failed",
				"agent", agent.Name(),
				"error", err,
			)
		}
	}
	o.activated = nil
}

// GetSystemStats collects stats from every component. A panicking agent
// contributes an error entry instead of aborting the aggregate.
func (o *Orchestrator) GetSystemStats() map[string]interface{} {
	o.mu.Lock()
	agents := make([]Agent, len(o.activated))
	copy(agents, o.activated)
	running := o.running
	startedAt := o.startedAt
	o.mu.Unlock()

	stats := map[string]interface{}{
		"running": running,
	}
	if running {
		stats["uptime_seconds"] = int64(time.Since(startedAt) / time.Second)
	}
	if o.gate != nil {
		stats["idempotency"] = safeStats(o.gate.Stats)
	}

	components := make(map[string]interface{}, len(agents))
	for _, agent := range agents {
		components[agent.Name()] = safeStats(agent.Stats)
	}
	stats["components"] = components
	return stats
}

// PerformHealthCheck grades each activated agent. Agents that report their
// own status are trusted; the rest are healthy as long as their stats call
// returns without panicking.
func (o *Orchestrator) PerformHealthCheck() map[string]interface{} {
	o.mu.Lock()
	agents := make([]Agent, len(o.activated))
	copy(agents, o.activated)
	running := o.running
	o.mu.Unlock()

	components := make(map[string]string, len(agents))
	overall := StatusHealthy
	if !running {
		overall = StatusUnhealthy
	}

	for _, agent := range agents {
		status := probeAgent(agent)
		components[agent.Name()] = status
		overall = worseOf(overall, status)
	}

	return map[string]interface{}{
		"status":     overall,
		"components": components,
	}
}

func probeAgent(agent Agent) (status string) {
	defer func() {
		if err := pkgerrors.RecoverPanic(recover()); err != nil {
			status = StatusUnhealthy
		}
	}()

	if reporter, ok := agent.(statusReporter); ok {
		return reporter.HealthStatus()
	}
	agent.Stats()
	return StatusHealthy
}

func safeStats(fn func() map[string]interface{}) (stats map[string]interface{}) {
	defer func() {
		if err := pkgerrors.RecoverPanic(recover()); err != nil {
			stats = map[string]interface{}{"error": err.Error()}
		}
	}()
	return fn()
}

// severity orders health states from best to worst.
var severity = map[string]int{
	StatusHealthy:   0,
	StatusWarning:   1,
	StatusCritical:  2,
	StatusUnhealthy: 3,
}

func worseOf(a, b string) string {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

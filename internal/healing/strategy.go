package healing

import (
	"context"
	"runtime"

	pkgerrors "warden/pkg/errors"
)

// Action performs one recovery attempt for a component. Actions must honor
// the context deadline; the agent additionally enforces the recovery timeout
// from the outside.
type Action func(ctx context.Context, component, errorType string) error

// Strategy pairs an error type with its recovery behavior.
type Strategy struct {
	Name        string
	MaxAttempts int
	Action      Action
}

// defaultStrategies maps recovery error types to their strategies. The
// default actions are deterministic; operators and tests substitute real
// ones through RegisterAction.
func defaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		pkgerrors.ErrorTypeConnection: {
			Name:        "reconnect",
			MaxAttempts: 5,
			Action:      succeedAction,
		},
		pkgerrors.ErrorTypeMemory: {
			Name:        "release-memory",
			MaxAttempts: 3,
			Action:      releaseMemoryAction,
		},
		pkgerrors.ErrorTypeTimeout: {
			Name:        "extend-timeout",
			MaxAttempts: 4,
			Action:      succeedAction,
		},
		pkgerrors.ErrorTypeValidation: {
			Name:        "revalidate",
			MaxAttempts: 2,
			Action:      succeedAction,
		},
	}
}

func succeedAction(ctx context.Context, component, errorType string) error {
	return ctx.Err()
}

func releaseMemoryAction(ctx context.Context, component, errorType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.GC()
	return nil
}

package healing

import (
	"context"
	"fmt"
	"strings"

	celgo "github.com/google/cel-go/cel"

	"warden/internal/config"
	"warden/internal/logger"
	"warden/pkg/bus"
	"warden/pkg/cel"
	pkgerrors "warden/pkg/errors"
)

// Classifier tags a failure event with a recovery error type. Implementations
// can be swapped for a learned model; the default combines configured CEL
// rules with a keyword fallback.
type Classifier interface {
	Classify(ctx context.Context, evt bus.Event) string
}

type celRule struct {
	program   celgo.Program
	errorType string
}

type RuleClassifier struct {
	evaluator *cel.Evaluator
	rules     []celRule
	logger    logger.Logger
}

func NewRuleClassifier(rules []config.ClassificationRule, log logger.Logger) (*RuleClassifier, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	compiled := make([]celRule, 0, len(rules))
	for _, rule := range rules {
		program, err := evaluator.CompileCondition(rule.Expression)
		if err != nil {
			return nil, pkgerrors.ErrValidation.
				WithDetail("expression", rule.Expression).
				WithCause(err)
		}
		compiled = append(compiled, celRule{program: program, errorType: rule.ErrorType})
	}

	return &RuleClassifier{
		evaluator: evaluator,
		rules:     compiled,
		logger:    log,
	}, nil
}

// Classify tries the configured rules in order; the first match wins. A rule
// evaluation error skips that rule rather than failing the classification.
func (c *RuleClassifier) Classify(ctx context.Context, evt bus.Event) string {
	for _, rule := range c.rules {
		matched, err := c.evaluator.EvaluateProgram(ctx, rule.program, evt)
		if err != nil {
			c.logger.WarnwCtx(ctx, "Classification rule failed",
				"error_type", rule.errorType,
				"error", err,
			)
			continue
		}
		if matched {
			return rule.errorType
		}
	}
	return KeywordErrorType(evt.PayloadString("error"))
}

// KeywordErrorType tags an error message by keyword; connection is the
// default tag when nothing matches.
func KeywordErrorType(message string) string {
	text := strings.ToLower(message)
	switch {
	case containsAny(text, "memory", "oom", "alloc", "heap"):
		return pkgerrors.ErrorTypeMemory
	case containsAny(text, "timeout", "timed out", "deadline"):
		return pkgerrors.ErrorTypeTimeout
	case containsAny(text, "invalid", "validation", "malformed", "parse", "schema"):
		return pkgerrors.ErrorTypeValidation
	default:
		return pkgerrors.ErrorTypeConnection
	}
}

func containsAny(text string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

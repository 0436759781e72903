package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"warden/pkg/bus"
)

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		// "type" is a reserved CEL identifier, so the event type is
		// exposed as event_type.
		cel.Variable("event_type", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateConditionExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("condition expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

func (e *Evaluator) CompileCondition(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return program, nil
}

func (e *Evaluator) EvaluateCondition(ctx context.Context, expression string, evt bus.Event) (bool, error) {
	program, err := e.CompileCondition(expression)
	if err != nil {
		return false, err
	}

	return e.EvaluateProgram(ctx, program, evt)
}

func (e *Evaluator) EvaluateProgram(ctx context.Context, program cel.Program, evt bus.Event) (bool, error) {
	result, _, err := program.ContextEval(ctx, e.eventToVars(evt))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) eventToVars(evt bus.Event) map[string]interface{} {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return map[string]interface{}{
		"id":         evt.ID,
		"event_type": evt.Type,
		"source":     evt.Metadata.Source,
		"priority":   string(evt.Metadata.Priority),
		"timestamp":  evt.Metadata.Timestamp,
		"payload":    payload,
		"metadata": map[string]interface{}{
			"source":         evt.Metadata.Source,
			"priority":       string(evt.Metadata.Priority),
			"sequence":       evt.Metadata.Sequence,
			"correlation_id": evt.Metadata.CorrelationID,
		},
	}
}

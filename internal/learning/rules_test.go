package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/pkg/bus"
	"warden/pkg/cel"
)

func TestRuleExpressionCompilesAndMatches(t *testing.T) {
	eval, err := cel.NewEvaluator()
	require.NoError(t, err)

	expr := ruleExpression([]string{"message.received", "message.status.delivered"})
	program, err := eval.CompileCondition(expr)
	require.NoError(t, err)

	ctx := context.Background()

	match, err := eval.EvaluateProgram(ctx, program, bus.NewEvent("message.received", "ingestion-pipeline", nil))
	require.NoError(t, err)
	assert.True(t, match)

	match, err = eval.EvaluateProgram(ctx, program, bus.NewEvent("message.status.delivered", "ingestion-pipeline", nil))
	require.NoError(t, err)
	assert.False(t, match)

	// Rules never trigger on the agent's own publications.
	match, err = eval.EvaluateProgram(ctx, program, bus.NewEvent("message.received", Component, nil))
	require.NoError(t, err)
	assert.False(t, match)
}

package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/pkg/schema"
)

func TestJQEngine_Evaluate_SingleOutput(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), ".rows | length", map[string]any{
		"rows": []any{map[string]any{"a": 1}, map[string]any{"a": 2}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)
}

func TestJQEngine_Evaluate_MultipleOutputsCollected(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), ".rows[].a", map[string]any{
		"rows": []any{map[string]any{"a": 1}, map[string]any{"a": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestJQEngine_Evaluate_NoOutputIsNil(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), ".rows[] | select(.a > 100)", map[string]any{
		"rows": []any{map[string]any{"a": 1}},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQEngine_Evaluate_NormalizesIntegers(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": int64(41)})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestJQEngine_Evaluate_ParseError(t *testing.T) {
	e := NewJQEngine()
	_, err := e.Evaluate(context.Background(), ".rows | |", map[string]any{})
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
	assert.Equal(t, ".rows | |", rerr.Details["expression"])
}

func TestJQEngine_Evaluate_Empty(t *testing.T) {
	e := NewJQEngine()
	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)
}

func TestJQEngine_Evaluate_EnvironIsSandboxed(t *testing.T) {
	t.Setenv("DATARUN_SECRET", "hunter2")

	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV.DATARUN_SECRET", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQEngine_Evaluate_CacheReuse(t *testing.T) {
	e := NewJQEngine()
	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(context.Background(), ".x", map[string]any{"x": i})
		require.NoError(t, err)
		assert.EqualValues(t, i, out)
	}
	assert.Len(t, e.cache, 1)
}

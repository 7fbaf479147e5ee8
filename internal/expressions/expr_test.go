package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/pkg/schema"
)

func TestExprEngine_EvaluatePredicate_True(t *testing.T) {
	e := NewExprEngine()
	ok, err := e.EvaluatePredicate(context.Background(), "row_count > 0", map[string]any{"row_count": 3})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExprEngine_EvaluatePredicate_False(t *testing.T) {
	e := NewExprEngine()
	ok, err := e.EvaluatePredicate(context.Background(), "len(rows) > 0", map[string]any{"rows": []any{}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExprEngine_EvaluatePredicate_NilCoalescing(t *testing.T) {
	e := NewExprEngine()
	ok, err := e.EvaluatePredicate(context.Background(), "(row_count ?? 0) > 0", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExprEngine_EvaluatePredicate_NonBool(t *testing.T) {
	e := NewExprEngine()
	_, err := e.EvaluatePredicate(context.Background(), "1 + 1", map[string]any{})
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestExprEngine_Evaluate_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "row_count >", map[string]any{})
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestExprEngine_Evaluate_Empty(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestExprEngine_Evaluate_ArrayFilter(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "len(filter(rows, .n > 1))", map[string]any{
		"rows": []any{
			map[string]any{"n": 1},
			map[string]any{"n": 2},
			map[string]any{"n": 3},
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)
}

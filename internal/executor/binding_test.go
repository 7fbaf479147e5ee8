package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/internal/expressions"
	"github.com/avidal-labs/datarun/internal/manifest"
	"github.com/avidal-labs/datarun/pkg/schema"
)

func bindingFixture() (*schema.Run, *manifest.Manifest) {
	run := &schema.Run{
		ID: "run_1",
		Steps: map[string]*schema.StepExecution{
			"query": {
				StepID: "query",
				Status: schema.StepStatusSucceeded,
				Attempts: []schema.AttemptResult{
					{Attempt: 1, OK: false},
					{Attempt: 2, OK: true, Payload: map[string]any{
						"row_count": 2,
						"rows": []any{
							map[string]any{"region": "emea", "n": 12},
							map[string]any{"region": "apac", "n": 7},
						},
					}},
				},
			},
		},
	}
	man := manifest.New(nil)
	man.Append(schema.Artifact{
		ID:              "art_old",
		ProducingStepID: "query",
		Attempt:         1,
		Type:            schema.ArtifactTypeTable,
		Location:        "/tmp/old.json",
		CreatedAt:       time.Now().UTC(),
	})
	man.Append(schema.Artifact{
		ID:              "art_new",
		ProducingStepID: "query",
		Attempt:         2,
		Type:            schema.ArtifactTypeTable,
		Location:        "/tmp/new.json",
		CreatedAt:       time.Now().UTC(),
	})
	return run, man
}

func newTestBinder() *Binder {
	return NewBinder(expressions.NewJQEngine())
}

func TestBinder_Resolve_LiteralsPassThrough(t *testing.T) {
	run, man := bindingFixture()
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"query":    "SELECT * FROM t WHERE region = 'emea'",
		"max_rows": 100,
	}}

	out, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE region = 'emea'", out["query"])
	assert.Equal(t, 100, out["max_rows"])
}

func TestBinder_Resolve_ArtifactLocation(t *testing.T) {
	run, man := bindingFixture()
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"dataset": "${{ steps.query.artifact }}",
	}}

	out, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/new.json", out["dataset"]) // latest attempt wins
}

func TestBinder_Resolve_ArtifactID(t *testing.T) {
	run, man := bindingFixture()
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"source": "${{ steps.query.artifact_id }}",
	}}

	out, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.NoError(t, err)
	assert.Equal(t, "art_new", out["source"])
}

func TestBinder_Resolve_Payload(t *testing.T) {
	run, man := bindingFixture()
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"data": "${{ steps.query.payload }}",
	}}

	out, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.NoError(t, err)
	payload, ok := out["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, payload["row_count"])
}

func TestBinder_Resolve_PayloadWithJQ(t *testing.T) {
	run, man := bindingFixture()
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"top": "${{ steps.query.payload | .rows[0].region }}",
	}}

	out, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.NoError(t, err)
	assert.Equal(t, "emea", out["top"])
}

func TestBinder_Resolve_NestedStructures(t *testing.T) {
	run, man := bindingFixture()
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"sources": []any{"${{ steps.query.artifact }}", "literal.json"},
		"meta":    map[string]any{"id": "${{ steps.query.artifact_id }}"},
	}}

	out, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.NoError(t, err)
	assert.Equal(t, []any{"/tmp/new.json", "literal.json"}, out["sources"])
	assert.Equal(t, map[string]any{"id": "art_new"}, out["meta"])
}

func TestBinder_Resolve_UnknownProducer(t *testing.T) {
	run, man := bindingFixture()
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"dataset": "${{ steps.ghost.artifact }}",
	}}

	_, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
	assert.Equal(t, "s", rerr.StepID)
}

func TestBinder_Resolve_NoSuccessfulPayload(t *testing.T) {
	run, man := bindingFixture()
	run.Steps["query"].Attempts = []schema.AttemptResult{{Attempt: 1, OK: false}}
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"data": "${{ steps.query.payload }}",
	}}

	_, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.Error(t, err)
}

func TestBinder_Resolve_PartialBindingIsLiteral(t *testing.T) {
	run, man := bindingFixture()
	step := &schema.Step{ID: "s", Inputs: map[string]any{
		"note": "see ${{ steps.query.artifact }} for details",
	}}

	out, err := newTestBinder().Resolve(context.Background(), step, run, man)
	require.NoError(t, err)
	assert.Equal(t, "see ${{ steps.query.artifact }} for details", out["note"])
}

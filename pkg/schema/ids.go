package schema

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// NewPlanID derives a plan identifier from its run.
func NewPlanID(runID string) string {
	return fmt.Sprintf("plan_%s_v%s", runID, uuid.NewString()[:8])
}

// NewStepID returns a fresh step identifier.
func NewStepID() string {
	return "step_" + uuid.NewString()[:8]
}

// NewArtifactID returns a fresh artifact identifier.
func NewArtifactID() string {
	return "art_" + uuid.NewString()[:12]
}

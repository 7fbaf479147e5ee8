package schema

import "time"

// Artifact types produced by tools.
const (
	ArtifactTypeTable    = "table"
	ArtifactTypeImage    = "image"
	ArtifactTypeDocument = "document"
)

// Artifact is a durable, typed output of a successful step attempt.
// Append-only: once recorded it is never mutated or deleted within a run.
// A retried step's new output becomes a new Artifact that supersedes the
// prior one in bindings; the old one stays retrievable for audit.
type Artifact struct {
	ID              string         `json:"artifact_id"`
	ProducingStepID string         `json:"producing_step_id"`
	Attempt         int            `json:"attempt"`
	Type            string         `json:"type"`
	Location        string         `json:"location"`
	SchemaMetadata  map[string]any `json:"schema_metadata,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Description     string         `json:"description,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ToolOutcome is the normalized result of a tool invocation. Both explicit
// failure signals and raised errors collapse into OK=false with ErrorInfo.
type ToolOutcome struct {
	OK        bool           `json:"ok"`
	Error     *ErrorInfo     `json:"error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Artifacts []ArtifactSpec `json:"artifacts,omitempty"`
}

// ErrorInfo is the structured failure detail inside a ToolOutcome.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ArtifactSpec is a tool's declaration of a produced output. The executor
// assigns identity and attempt provenance when materializing it.
type ArtifactSpec struct {
	Type           string         `json:"type"`
	Location       string         `json:"location"`
	SchemaMetadata map[string]any `json:"schema_metadata,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Description    string         `json:"description,omitempty"`
}

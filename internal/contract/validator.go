package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/avidal-labs/datarun/pkg/schema"
)

// Validator checks tool inputs and outputs against their declared JSON
// Schemas. It is pure: no side effects, safe for concurrent use. Compiled
// schemas are cached by their source text.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidateInput validates tool input values against the input schema,
// applying safe lossless coercions first. Returns the validated (possibly
// coerced) values or a VALIDATION_ERROR carrying {field, expected, received}.
func (v *Validator) ValidateInput(schemaBytes []byte, values map[string]any) (map[string]any, error) {
	return v.validate(schemaBytes, values)
}

// ValidateOutput validates tool output values against the output schema.
// Same semantics as ValidateInput.
func (v *Validator) ValidateOutput(schemaBytes []byte, values map[string]any) (map[string]any, error) {
	return v.validate(schemaBytes, values)
}

func (v *Validator) validate(schemaBytes []byte, values map[string]any) (map[string]any, error) {
	if values == nil {
		values = map[string]any{}
	}
	if len(schemaBytes) == 0 {
		return values, nil // no declared contract means no validation
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid contract schema").WithCause(err)
	}

	coerced := Coerce(schemaBytes, values)

	// Round-trip through JSON so numbers become json.Number, as the
	// jsonschema library requires.
	doc, err := toJSONValue(coerced)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize values").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return nil, toValidationError(err, coerced)
	}
	return coerced, nil
}

// MissingRequired returns the required fields of the schema that are absent
// or nil in values. Used by the executor to drive artifact auto-injection
// before validation runs a second time.
func MissingRequired(schemaBytes []byte, values map[string]any) []string {
	var decl struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaBytes, &decl); err != nil {
		return nil
	}
	var missing []string
	for _, field := range decl.Required {
		if v, ok := values[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	return missing
}

func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each contract schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("datarun://contract/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a RunError
// with {field, expected, received} details on the first leaf violation.
func toValidationError(err error, values map[string]any) *schema.RunError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	leaves := collectLeaves(verr)
	if len(leaves) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	first := leaves[0]
	field := strings.Join(first.InstanceLocation, ".")
	details := map[string]any{
		"field":    field,
		"expected": first.Error(),
		"received": valueAt(values, first.InstanceLocation),
	}
	if len(leaves) > 1 {
		msgs := make([]string, len(leaves))
		for i, l := range leaves {
			msgs[i] = fmt.Sprintf("/%s: %s", strings.Join(l.InstanceLocation, "/"), l.Error())
		}
		details["violations"] = msgs
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "contract violation at %q: %s", field, first.Error()).
		WithDetails(details)
}

func collectLeaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range verr.Causes {
		leaves = append(leaves, collectLeaves(cause)...)
	}
	return leaves
}

func valueAt(values map[string]any, location []string) any {
	var cur any = values
	for _, seg := range location {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

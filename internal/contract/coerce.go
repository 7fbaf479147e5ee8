package contract

import (
	"encoding/json"
	"math"
	"strconv"
)

// propertyDecl is the slice of a JSON Schema property the coercer looks at.
type propertyDecl struct {
	Type string `json:"type"`
	Enum []any  `json:"enum"`
}

type schemaDecl struct {
	Properties map[string]propertyDecl `json:"properties"`
}

// Coerce applies safe, lossless conversions to top-level values guided by the
// declared schema: numeric strings become numbers where a number is expected,
// integral floats become integers, and values matching a declared enum pass
// through unchanged. Anything else is left as-is for the validator to reject.
// The input map is not mutated.
func Coerce(schemaBytes []byte, values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}

	var decl schemaDecl
	if err := json.Unmarshal(schemaBytes, &decl); err != nil || decl.Properties == nil {
		return out
	}

	for field, prop := range decl.Properties {
		v, ok := out[field]
		if !ok || v == nil {
			continue
		}
		if coerced, ok := coerceValue(prop, v); ok {
			out[field] = coerced
		}
	}
	return out
}

func coerceValue(prop propertyDecl, v any) (any, bool) {
	switch prop.Type {
	case "integer":
		switch val := v.(type) {
		case string:
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				return n, true
			}
		case float64:
			if val == math.Trunc(val) {
				return int64(val), true
			}
		}
	case "number":
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
		}
	case "boolean":
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b, true
			}
		}
	case "string":
		// String-typed enums accept a matching value as-is; no other
		// conversion to string is attempted (formatting is not lossless).
		if len(prop.Enum) > 0 {
			for _, e := range prop.Enum {
				if e == v {
					return v, true
				}
			}
		}
	}
	return nil, false
}

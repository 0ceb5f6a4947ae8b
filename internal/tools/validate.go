package tools

import (
	"fmt"
)

// Validate checks the planner-supplied arguments against the tool's
// JSON-schema parameters. Required fields must be present and every
// supplied field must match its declared scalar type. Fields the schema
// doesn't know about are rejected — a planner inventing arguments is a
// planning failure worth surfacing, not forwarding.
//
// Returns *ErrToolNotFound or *ErrValidation.
func (r *Registry) Validate(name string, args map[string]any) error {
	t := r.tools[name]
	if t == nil {
		return &ErrToolNotFound{Tool: name}
	}

	properties, _ := t.Parameters["properties"].(map[string]any)

	for _, req := range requiredFields(t.Parameters) {
		if _, ok := args[req]; !ok {
			return &ErrValidation{Tool: name, Reason: fmt.Sprintf("missing required field %q", req)}
		}
	}

	for field, value := range args {
		spec, ok := properties[field].(map[string]any)
		if !ok {
			return &ErrValidation{Tool: name, Reason: fmt.Sprintf("unknown field %q", field)}
		}
		declared, _ := spec["type"].(string)
		if declared == "" {
			continue
		}
		if reason := checkType(declared, value); reason != "" {
			return &ErrValidation{Tool: name, Reason: fmt.Sprintf("field %q %s", field, reason)}
		}
	}

	return nil
}

// requiredFields extracts the schema's required list, tolerating both
// []string and the []any that json.Unmarshal produces.
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// checkType verifies a decoded JSON value against a schema scalar type.
// Returns "" on match, or a short reason. JSON numbers decode to float64,
// so "integer" additionally requires a whole value.
func checkType(declared string, value any) string {
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("must be a string, got %T", value)
		}
	case "number":
		if !isNumber(value) {
			return fmt.Sprintf("must be a number, got %T", value)
		}
	case "integer":
		f, ok := asFloat(value)
		if !ok {
			return fmt.Sprintf("must be an integer, got %T", value)
		}
		if f != float64(int64(f)) {
			return "must be an integer, got a fractional number"
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("must be a boolean, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("must be an array, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("must be an object, got %T", value)
		}
	default:
		// Unknown declared type: accept. The tool server owns deeper
		// validation.
	}
	return ""
}

func isNumber(value any) bool {
	_, ok := asFloat(value)
	return ok
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

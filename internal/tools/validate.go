package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// validateArgs checks args against the tool schema and returns a normalized
// copy: defaults filled in, integral JSON numbers converted to int.
func validateArgs(tool *Tool, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args)+len(tool.Schema.Properties))

	unknown := make([]string, 0)
	for name := range args {
		if _, ok := tool.Schema.Properties[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %v", ErrUnknownArg, unknown)
	}

	for _, required := range tool.Schema.Required {
		if v, ok := args[required]; !ok || v == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}

	for name, prop := range tool.Schema.Properties {
		v, ok := args[name]
		if !ok || v == nil {
			if prop.Default != nil {
				out[name] = prop.Default
			}
			continue
		}
		nv, err := coerce(prop.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgType, name, err)
		}
		if prop.Type == "array" && prop.Items != nil {
			for i, item := range nv.([]any) {
				ci, err := coerce(prop.Items.Type, item)
				if err != nil {
					return nil, fmt.Errorf("%w: %s[%d]: %v", ErrInvalidArgType, name, i, err)
				}
				nv.([]any)[i] = ci
			}
		}
		if len(prop.Enum) > 0 && !inEnum(nv, prop.Enum) {
			return nil, fmt.Errorf("%w: %s=%v (allowed %v)", ErrInvalidEnum, name, nv, prop.Enum)
		}
		out[name] = nv
	}
	return out, nil
}

func coerce(typ string, v any) (any, error) {
	switch typ {
	case "", "any":
		return v, nil
	case "string":
		if s, ok := v.(string); ok {
			return s, nil
		}
	case "boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case "integer":
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case int32:
			return int(n), nil
		case float64:
			if n == math.Trunc(n) && !math.IsInf(n, 0) {
				return int(n), nil
			}
			return nil, fmt.Errorf("expected integer, got %v", n)
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %v", n)
			}
			return int(i), nil
		}
	case "number":
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("expected number, got %v", n)
			}
			return f, nil
		}
	case "array":
		switch a := v.(type) {
		case []any:
			cp := make([]any, len(a))
			copy(cp, a)
			return cp, nil
		case []string:
			cp := make([]any, len(a))
			for i, s := range a {
				cp[i] = s
			}
			return cp, nil
		}
	case "object":
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	default:
		return nil, fmt.Errorf("schema declares unsupported type %q", typ)
	}
	return nil, fmt.Errorf("expected %s, got %T", typ, v)
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

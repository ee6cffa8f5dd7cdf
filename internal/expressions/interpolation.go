package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maraver/planline/pkg/schema"
)

// InterpolationScope holds all data available for variable resolution.
type InterpolationScope struct {
	Readings map[string]any // device -> {value, timestamp}
	Inputs   map[string]any // run input params
	Run      map[string]any // run metadata (id, plan, status)
}

// Interpolator resolves ${{...}} references in plan step values.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve interpolates ${{...}} references in raw JSON.
// Supported namespaces: readings.*, inputs.*, run.*.
// Returns the interpolated JSON bytes.
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	resolved, err := interp.resolveString(string(raw), scope)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(resolved), nil
}

// ResolveString interpolates ${{...}} references in a plain string, such as a
// step message or device name.
func (interp *Interpolator) ResolveString(s string, scope *InterpolationScope) (string, error) {
	return interp.resolveString(s, scope)
}

// ResolveValue interpolates ${{...}} references inside an arbitrary decoded
// value. A string that is exactly one ${{...}} reference resolves to the
// referenced value with its type preserved; a string with embedded references
// resolves to a string. Maps and slices are walked recursively.
func (interp *Interpolator) ResolveValue(val any, scope *InterpolationScope) (any, error) {
	switch v := val.(type) {
	case string:
		if expr, ok := wholeReference(v); ok {
			return interp.resolveExpr(expr, scope)
		}
		return interp.resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := interp.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := interp.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}

// wholeReference reports whether s is exactly one ${{...}} token, returning
// the inner expression.
func wholeReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "${{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(t[3 : len(t)-2])
	if inner == "" || strings.Contains(inner, "${{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return inner, true
}

// resolveString scans for ${{...}} tokens and resolves them.
func (interp *Interpolator) resolveString(input string, scope *InterpolationScope) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		// Look for ${{ marker.
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		// Find the closing }}.
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return "", err
		}

		// Embed the resolved value into the JSON string.
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveExpr resolves a single expression path like "readings.motor1.value".
func (interp *Interpolator) resolveExpr(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "readings":
		return interp.resolveReadings(expr, scope)
	case "inputs":
		return interp.resolveNamespace(scope.Inputs, expr, "inputs")
	case "run":
		return interp.resolveNamespace(scope.Run, expr, "run")
	default:
		available := []string{"readings", "inputs", "run"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveReadings resolves readings.<device>[.value|.timestamp] references.
func (interp *Interpolator) resolveReadings(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 3) // [readings, device, field...]
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reading reference %q: expected readings.<device>[.value]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	device := parts[1]

	if scope.Readings == nil {
		return nil, interp.missingReadingErr(expr, device, scope)
	}

	reading, ok := scope.Readings[device]
	if !ok {
		return nil, interp.missingReadingErr(expr, device, scope)
	}

	// readings.<device> — return the whole reading.
	if len(parts) == 2 {
		return reading, nil
	}

	// readings.<device>.value or readings.<device>.timestamp
	return interp.traversePath(reading, parts[2], expr)
}

// resolveNamespace resolves a dot-delimited reference from a flat namespace map.
func (interp *Interpolator) resolveNamespace(data map[string]any, expr, namespace string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid %s reference %q: expected %s.<name>", namespace, expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]

	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	// Traverse by splitting on dots.
	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// missingReadingErr builds an error for missing device readings with available devices listed.
func (interp *Interpolator) missingReadingErr(expr, device string, scope *InterpolationScope) *schema.PlanError {
	available := mapKeys(scope.Readings)
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"no reading for device %q in ${{%s}}; available devices: [%s]", device, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_devices": available})
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded without extra quotes when the reference is the entire
// JSON value. For complex types (maps, slices), JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

package graph

import (
	"math"
	"time"
)

// NormalizeProperties converts a property bag read back from storage to
// native representations: JSON numbers arrive as float64, so integral
// values are folded back to int64, and RFC3339 strings that parse as
// timestamps stay strings but are reachable through AsTime. Nested maps
// are normalized recursively.
func NormalizeProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case map[string]any:
		return NormalizeProperties(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// AsInt coerces a normalized property value to int64.
func AsInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case float64:
		return int64(val), true
	}
	return 0, false
}

// AsFloat coerces a normalized property value to float64.
func AsFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	}
	return 0, false
}

// AsTime coerces a normalized property value to a wall-clock timestamp.
// Accepts RFC3339 strings and unix-millisecond integers.
func AsTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t, true
		}
	case int64:
		return time.UnixMilli(val), true
	case float64:
		return time.UnixMilli(int64(val)), true
	case time.Time:
		return val, true
	}
	return time.Time{}, false
}

package serializer

import (
	"encoding/json"

	"github.com/specklesystems/speckle-server-sub009/objects"
)

// normalize converts the typed containers callers commonly build into the
// generic shapes the walk understands.
func normalize(v any) any {
	switch val := v.(type) {
	case objects.Object:
		return map[string]any(val)
	case []map[string]any:
		out := make([]any, len(val))
		for i, m := range val {
			out[i] = m
		}
		return out
	case []objects.Object:
		out := make([]any, len(val))
		for i, m := range val {
			out[i] = map[string]any(m)
		}
		return out
	case []float64:
		return toAny(val)
	case []float32:
		return toAny(val)
	case []int:
		return toAny(val)
	case []int64:
		return toAny(val)
	case []int32:
		return toAny(val)
	case []string:
		return toAny(val)
	case []bool:
		return toAny(val)
	}
	return v
}

func toAny[T any](s []T) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func asObject(v any) (map[string]any, bool) {
	m, ok := normalize(v).(map[string]any)
	return m, ok
}

// primitiveSlice returns v as a slice when every element is a primitive.
func primitiveSlice(v any) ([]any, bool) {
	items, ok := normalize(v).([]any)
	if !ok {
		return nil, false
	}
	for _, item := range items {
		if !isPrimitive(item) {
			return nil, false
		}
	}
	return items, true
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, bool, string, json.Number,
		float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

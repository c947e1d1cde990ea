package zset

import (
	"encoding/json"
	"fmt"
)

// identityKey creates a deterministic JSON representation for (key, value)
// identity. This is the function that defines row equality.
func identityKey(key string, value any) (string, error) {
	vk, err := ValueKey(value)
	if err != nil {
		return "", err
	}
	return key + "\x00" + vk, nil
}

// ValueKey creates a deterministic JSON representation for an arbitrary value.
func ValueKey(value any) (string, error) {
	canonical, err := toCanonicalForm(value)
	if err != nil {
		return "", newError("failed to convert value to canonical form", err)
	}

	bytes, err := json.Marshal(canonical)
	if err != nil {
		return "", newError("failed to marshal value to JSON", err)
	}

	return string(bytes), nil
}

// toCanonicalForm ensures a deterministic JSON representation. Recursively
// processes nested structures while preserving semantics. Integer types
// normalize to int64 so 1 and int64(1) denote the same value.
func toCanonicalForm(val any) (any, error) {
	switch v := val.(type) {
	case map[string]any:
		result := make(map[string]any)
		for k, subVal := range v {
			canonical, err := toCanonicalForm(subVal)
			if err != nil {
				return nil, newError(fmt.Sprintf("failed to canonicalize map field %q", k), err)
			}
			result[k] = canonical
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, subVal := range v {
			canonical, err := toCanonicalForm(subVal)
			if err != nil {
				return nil, newError(fmt.Sprintf("failed to canonicalize array element at index %d", i), err)
			}
			result[i] = canonical
		}
		return result, nil

	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil

	case int64, float64, string, bool, nil:
		// Primitives are already canonical.
		return v, nil

	default:
		// Anything else must survive a JSON round trip anyway.
		return v, nil
	}
}

// ValueEqual checks if two values are equal using their canonical JSON form.
func ValueEqual(a, b any) (bool, error) {
	keyA, err := ValueKey(a)
	if err != nil {
		return false, newError("failed to compute key for first value", err)
	}
	keyB, err := ValueKey(b)
	if err != nil {
		return false, newError("failed to compute key for second value", err)
	}
	return keyA == keyB, nil
}

// DeepCopyValue creates a deep copy of a value and any nested structure.
func DeepCopyValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, subVal := range v {
			result[k] = DeepCopyValue(subVal)
		}
		return result

	case []any:
		result := make([]any, len(v))
		for i, subVal := range v {
			result[i] = DeepCopyValue(subVal)
		}
		return result

	default:
		// Primitives and unknown types are copied directly.
		return v
	}
}

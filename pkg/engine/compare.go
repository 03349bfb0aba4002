package engine

import (
	"fmt"
	"strings"
)

// compareEqual compares loosely typed contact values. Numbers compare by
// value regardless of Go type, since JSON decoding produces float64.
func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)

	if aok && bok {
		return af == bf
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareOrder applies < or > over numeric values, falling back to
// lexicographic comparison for strings.
func compareOrder(a, b any, less bool) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)

	if aok && bok {
		if less {
			return af < bf, nil
		}

		return af > bf, nil
	}

	as, aok := a.(string)
	bs, bok := b.(string)

	if aok && bok {
		if less {
			return as < bs, nil
		}

		return as > bs, nil
	}

	return false, fmt.Errorf("cannot order %T against %T", a, b)
}

// contains matches substrings of strings and membership in slices.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []string:
		for _, item := range h {
			if compareEqual(item, needle) {
				return true
			}
		}
	case []any:
		for _, item := range h {
			if compareEqual(item, needle) {
				return true
			}
		}
	}

	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

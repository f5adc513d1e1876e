package cache

// Values promoted from the persistent layer have been through a JSON
// round-trip, so they come back as generic JSON types (float64, []any,
// map[string]any) rather than what the writer stored. These helpers accept
// both shapes so callers never care which layer served them.

// AsFloat64 interprets a cached value as a float.
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// AsStrings interprets a cached value as a string slice.
func AsStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

// AsStringFloatMap interprets a cached value as a string-to-float map.
func AsStringFloatMap(v any) (map[string]float64, bool) {
	switch m := v.(type) {
	case map[string]float64:
		return m, true
	case map[string]any:
		out := make(map[string]float64, len(m))
		for k, e := range m {
			f, ok := AsFloat64(e)
			if !ok {
				return nil, false
			}
			out[k] = f
		}
		return out, true
	default:
		return nil, false
	}
}

package blocks

import "math"

// Block configs come from JSON, HCL or Go literals, so the same setting may
// arrive under a camelCase or snake_case key and numbers as any numeric type.

func lookup(config map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := config[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringConfig(config map[string]any, def string, keys ...string) string {
	v, ok := lookup(config, keys...)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func intConfig(config map[string]any, keys ...string) (int, bool) {
	v, ok := lookup(config, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), !math.IsNaN(float64(n))
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func boolConfig(config map[string]any, keys ...string) (bool, bool) {
	v, ok := lookup(config, keys...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

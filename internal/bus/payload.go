package bus

import "encoding/json"

// Payload field accessors. The bus delivers payloads unvalidated; consumers
// use these to decode defensively and fail closed when a required field is
// missing or has the wrong shape.

// GetString returns payload[key] as a string.
func GetString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetFloat returns payload[key] as a float64, accepting the numeric shapes
// that survive a JSON round trip.
func GetFloat(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetInt64 returns payload[key] as an int64.
func GetInt64(payload map[string]any, key string) (int64, bool) {
	f, ok := GetFloat(payload, key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// GetMap returns payload[key] as a nested map.
func GetMap(payload map[string]any, key string) (map[string]any, bool) {
	v, ok := payload[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

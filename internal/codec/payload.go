package codec

import (
	"encoding/json"
	"strconv"
)

// Payload is a decoded sync-package event. Keys are the backend's numeric
// field tags rendered as strings.
type Payload map[string]any

// Lookup walks nested objects by key. Any missing key or non-object step
// yields (nil, false).
func (p Payload) Lookup(keys ...string) (any, bool) {
	var cur any = map[string]any(p)
	for _, k := range keys {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the value at keys if it is a string.
func (p Payload) String(keys ...string) (string, bool) {
	v, ok := p.Lookup(keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the value at keys as an integer. Numeric strings are accepted
// since the backend is inconsistent about timestamp encoding.
func (p Payload) Int(keys ...string) (int64, bool) {
	v, ok := p.Lookup(keys...)
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// Object returns the nested object at keys.
func (p Payload) Object(keys ...string) (Payload, bool) {
	v, ok := p.Lookup(keys...)
	if !ok {
		return nil, false
	}
	m, ok := asMap(v)
	return Payload(m), ok
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Payload:
		return m, true
	default:
		return nil, false
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		return int64(f), err == nil
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

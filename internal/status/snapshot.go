package status

import "strings"

// Snapshot is the last-known full status of one vehicle as delivered by the
// EVConduit backend: top-level scalars plus one level of nested objects
// (chargeState, location, information, odometer, ...). Values follow
// encoding/json conventions, so numbers are float64.
type Snapshot map[string]any

// Get resolves a dot-separated path ("chargeState.batteryLevel") against the
// snapshot. It returns false when any segment is missing or nil, or when an
// intermediate segment is not an object.
func (s Snapshot) Get(path string) (any, bool) {
	var value any = map[string]any(s)
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(value)
		if !ok {
			return nil, false
		}
		value, ok = m[key]
		if !ok || value == nil {
			return nil, false
		}
	}
	return value, true
}

// GetFloat returns the numeric value at path.
func (s Snapshot) GetFloat(path string) (float64, bool) {
	v, ok := s.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// GetBool returns the boolean value at path.
func (s Snapshot) GetBool(path string) (bool, bool) {
	v, ok := s.Get(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetString returns the string value at path.
func (s Snapshot) GetString(path string) (string, bool) {
	v, ok := s.Get(path)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Merge combines an existing snapshot with a partial update and returns the
// merged result. Both inputs are left untouched.
//
// Keys absent from update are carried over from old. For a key present in
// both where both values are objects, the update's fields are overlaid onto a
// copy of the old object one level deep; anything nested deeper is replaced
// wholesale. In every other case (scalar, null, type mismatch, key new in
// update) the update's value replaces the old one.
func Merge(old, update Snapshot) Snapshot {
	merged := make(Snapshot, len(old)+len(update))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range update {
		uv, updateIsMap := asMap(v)
		ov, oldIsMap := asMap(merged[k])
		if updateIsMap && oldIsMap {
			nested := make(map[string]any, len(ov)+len(uv))
			for nk, nv := range ov {
				nested[nk] = nv
			}
			for nk, nv := range uv {
				nested[nk] = nv
			}
			merged[k] = nested
			continue
		}
		merged[k] = v
	}
	return merged
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Snapshot:
		return m, true
	}
	return nil, false
}

package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Lookup resolves a dotted path inside fields.
func Lookup(fields Fields, path string) (any, bool) {
	var cur any = map[string]any(fields)
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Merge applies update onto a copy of doc and returns it. Dotted keys write
// into nested maps, creating them as needed; nil values delete.
func Merge(doc, update Fields) Fields {
	out := Clone(doc)
	if out == nil {
		out = Fields{}
	}
	for path, value := range update {
		keys := strings.Split(path, ".")
		parent := map[string]any(out)
		for _, key := range keys[:len(keys)-1] {
			child, ok := asMap(parent[key])
			if !ok {
				if value == nil {
					parent = nil
					break
				}
				child = map[string]any{}
			}
			parent[key] = child
			parent = child
		}
		if parent == nil {
			continue
		}
		last := keys[len(keys)-1]
		if value == nil {
			delete(parent, last)
			continue
		}
		parent[last] = cloneValue(value)
	}
	return out
}

// Clone deep-copies nested maps and slices of fields.
func Clone(fields Fields) Fields {
	if fields == nil {
		return nil
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

// Normalize round-trips fields through JSON so every backend stores the same
// shapes (string keyed maps, float64 numbers, RFC 3339 times) no matter how
// the caller built them.
func Normalize(fields Fields) (Fields, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: encode fields: %v", ErrInvalid, err)
	}
	var out Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode fields: %v", ErrInvalid, err)
	}
	return out, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Fields:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Fields:
		return map[string]any(Clone(t))
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

package remote

import (
	"encoding/json"
	"fmt"
)

// Transform edits a stored string array in place.
type Transform struct {
	Remove bool
	Values []string
}

// ArrayUnion adds values missing from the stored array.
func ArrayUnion(values ...string) Transform {
	return Transform{Values: values}
}

// ArrayRemove removes every occurrence of values from the stored array.
func ArrayRemove(values ...string) Transform {
	return Transform{Remove: true, Values: values}
}

// Apply returns the array that results from applying t to current.
func (t Transform) Apply(current any) []any {
	existing := toStrings(current)
	if t.Remove {
		drop := make(map[string]struct{}, len(t.Values))
		for _, v := range t.Values {
			drop[v] = struct{}{}
		}
		out := make([]any, 0, len(existing))
		for _, v := range existing {
			if _, ok := drop[v]; !ok {
				out = append(out, v)
			}
		}
		return out
	}
	out := make([]any, 0, len(existing)+len(t.Values))
	seen := make(map[string]struct{}, len(existing)+len(t.Values))
	for _, v := range existing {
		out = append(out, v)
		seen[v] = struct{}{}
	}
	for _, v := range t.Values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// HasTransforms reports whether fields contains array transforms.
func (f Fields) HasTransforms() bool {
	for _, v := range f {
		if _, ok := v.(Transform); ok {
			return true
		}
	}
	return false
}

// Merge returns a copy of data with fields merged in. Plain values are
// normalised through JSON so stored documents only hold JSON types. The id
// key is never stored.
func Merge(data map[string]any, fields Fields) (map[string]any, error) {
	out := make(map[string]any, len(data)+len(fields))
	for k, v := range data {
		out[k] = v
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		if t, ok := v.(Transform); ok {
			out[k] = t.Apply(out[k])
			continue
		}
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Matches reports whether data satisfies every filter.
func Matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field].(string)
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toStrings(v any) []string {
	switch arr := v.(type) {
	case []string:
		return arr
	case []any:
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

package rpc

import "encoding/json"

// Select is a recursive projection mirroring the output shape. A key maps to
// true (or an empty map) to take a primitive leaf, or to a nested Select for
// objects. Unknown keys are ignored. Selection applies to every subscription
// update, not only the initial snapshot.
type Select map[string]any

// ApplySelect prunes value to the projection. A nil or empty selection
// returns the value unchanged. The value is normalized through JSON first so
// typed structs and maps prune identically.
func ApplySelect(value any, sel Select) (any, error) {
	if len(sel) == 0 {
		return value, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return prune(decoded, sel), nil
}

func prune(value any, sel Select) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(sel))
		for key, spec := range sel {
			child, ok := v[key]
			if !ok {
				continue
			}
			out[key] = pruneChild(child, spec)
		}
		return out
	case []any:
		// Selecting over a list projects each element.
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = prune(item, sel)
		}
		return out
	default:
		return value
	}
}

func pruneChild(child any, spec any) any {
	switch s := spec.(type) {
	case Select:
		if len(s) == 0 {
			return child
		}
		return prune(child, s)
	case map[string]any:
		if len(s) == 0 {
			return child
		}
		return prune(child, Select(s))
	default:
		// true, 1, or anything else selects the leaf whole.
		return child
	}
}

package models

import "encoding/json"

// JSONContains reports whether doc contains sub the way Postgres jsonb @> does: objects
// contain their key subsets, arrays contain arrays whose every element they contain, and
// scalars contain equal scalars. An empty sub is contained in everything.
func JSONContains(doc, sub json.RawMessage) bool {
	if len(sub) == 0 {
		return true
	}
	var d, s any
	if err := json.Unmarshal(doc, &d); err != nil {
		return false
	}
	if err := json.Unmarshal(sub, &s); err != nil {
		return false
	}
	return contains(d, s)
}

func contains(d, s any) bool {
	switch sv := s.(type) {
	case map[string]any:
		dv, ok := d.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range sv {
			x, ok := dv[k]
			if !ok || !contains(x, v) {
				return false
			}
		}
		return true
	case []any:
		dv, ok := d.([]any)
		if !ok {
			return false
		}
		for _, v := range sv {
			found := false
			for _, x := range dv {
				if contains(x, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return d == s
	}
}

package config

// DeepMerge returns a new map combining base and override without mutating
// either. Nested maps merge field-wise; every other value (arrays included)
// replaces wholesale.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range override {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := existing.(map[string]any)
			overrideMap, overrideIsMap := v.(map[string]any)
			if existingIsMap && overrideIsMap {
				out[k] = DeepMerge(existingMap, overrideMap)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"taskmanager/internal/task"
)

// parseParams turns repeated key=value flags into task params. A value that is valid
// JSON (number, bool, list, object) keeps its JSON type; anything else is a string.
// Repeating a key collects its values into a list. paramsJSON, when set, is a JSON
// object merged in first.
func parseParams(pairs []string, paramsJSON string) (task.Params, error) {
	out := task.Params{}
	if s := strings.TrimSpace(paramsJSON); s != "" {
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("%w: --params-json: %v", task.ErrValidation, err)
		}
	}
	seen := map[string]int{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: --param %q must be key=value", task.ErrValidation, p)
		}
		val := parseValue(v)
		seen[k]++
		switch seen[k] {
		case 1:
			out[k] = val
		case 2:
			out[k] = []any{out[k], val}
		default:
			out[k] = append(out[k].([]any), val)
		}
	}
	return out, nil
}

func parseValue(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return raw
}

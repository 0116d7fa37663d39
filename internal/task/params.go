package task

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Text returns a string parameter. Numbers are formatted without a trailing ".0".
func (p Params) Text(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %q", ErrMissingParameter, key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("%w: %q must be a string, got %T", ErrValidation, key, v)
	}
}

// TextOr is Text with a default for absent keys.
func (p Params) TextOr(key, def string) string {
	s, err := p.Text(key)
	if err != nil || strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// Int returns an integer parameter; numeric strings are accepted.
func (p Params) Int(key string) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %q", ErrMissingParameter, key)
	}
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%w: %q must be a whole number, got %v", ErrValidation, key, x)
		}
		return int(x), nil
	case int:
		return x, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("%w: %q must be a number, got %q", ErrValidation, key, x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number, got %T", ErrValidation, key, v)
	}
}

// Strings returns a list parameter. A single string is treated as a one-element list.
func (p Params) Strings(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return append([]string(nil), x...), nil
	case []any:
		out := make([]string, 0, len(x))
		for i, it := range x {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %q[%d] must be a string, got %T", ErrValidation, key, i, it)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q must be a list, got %T", ErrValidation, key, v)
	}
}

package secrets

import (
	"fmt"

	"github.com/keboola/osiris-sub003/internal/core"
)

// LookupFunc resolves an environment variable name to its value.
type LookupFunc func(name string) (string, bool)

// Substitute deep-copies v and replaces every ${NAME} scalar with the value
// from lookup. It returns the substituted values so the caller can feed them
// to the run masker. A reference with no value fails with E_ENV_MISSING.
func Substitute(v any, lookup LookupFunc) (any, []string, error) {
	var injected []string
	out, err := substitute(deepCopy(v), lookup, &injected)
	if err != nil {
		return nil, nil, err
	}
	return out, injected, nil
}

func substitute(v any, lookup LookupFunc, injected *[]string) (any, error) {
	switch t := v.(type) {
	case string:
		name, ok := EnvRefName(t)
		if !ok {
			return t, nil
		}
		value, found := lookup(name)
		if !found {
			return nil, fmt.Errorf("%w: %s", core.ErrEnvMissing, name)
		}
		*injected = append(*injected, value)
		return value, nil
	case map[string]any:
		for k, val := range t {
			sub, err := substitute(val, lookup, injected)
			if err != nil {
				return nil, err
			}
			t[k] = sub
		}
		return t, nil
	case []any:
		for i, val := range t {
			sub, err := substitute(val, lookup, injected)
			if err != nil {
				return nil, err
			}
			t[i] = sub
		}
		return t, nil
	default:
		return v, nil
	}
}

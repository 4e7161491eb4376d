package connection

import (
	"fmt"
	"sort"

	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/secrets"
)

// Resolution is a resolved step configuration plus the environment variable
// names its connection references. Values of those variables are read only at
// driver invocation time, never here.
type Resolution struct {
	Config  map[string]any
	EnvVars []string
}

// Resolve expands the step's symbolic connection reference into an inline
// resolved_connection mapping. Secret fields keep their literal ${NAME} form.
func Resolve(cfg map[string]any, spec *registry.ComponentSpec, cat *Catalog) (*Resolution, error) {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}

	ref, ok := out["connection"].(string)
	if !ok {
		return &Resolution{Config: out}, nil
	}
	family, alias, ok := ParseRef(ref)
	if !ok {
		return &Resolution{Config: out}, nil
	}

	desc, _, err := cat.Lookup(family, alias)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]any, len(desc))
	var envVars []string
	for k, v := range desc {
		if k == defaultMarker {
			continue
		}
		if s, isStr := v.(string); isStr {
			if name, isRef := secrets.EnvRefName(s); isRef {
				envVars = append(envVars, name)
			}
		}
		resolved[k] = v
	}
	sort.Strings(envVars)

	if spec != nil && spec.Connection != nil {
		for _, field := range spec.Connection.Required {
			if _, ok := resolved[field]; !ok {
				return nil, fmt.Errorf("%w: %s.%s lacks %q required by %s",
					core.ErrConnMissingField, family, alias, field, spec.Name)
			}
		}
	}

	delete(out, "connection")
	out["resolved_connection"] = resolved
	return &Resolution{Config: out, EnvVars: envVars}, nil
}

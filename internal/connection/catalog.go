// Package connection resolves symbolic @family.alias connection references
// against a connection catalog. Secret fields are carried as environment
// variable references; actual values are never read at compile time.
package connection

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/keboola/osiris-sub003/internal/core"
)

// Descriptor is one connection entry: connection-specific fields whose secret
// values are ${NAME} environment references.
type Descriptor map[string]any

// defaultMarker flags an alias as the family default inside the catalog. It
// is catalog metadata and never copied into resolved configurations.
const defaultMarker = "default"

// Catalog maps family -> alias -> descriptor.
type Catalog struct {
	families map[string]map[string]Descriptor
}

// LoadCatalogFile loads a catalog from a YAML file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read connection catalog: %w", err)
	}
	return LoadCatalog(data)
}

// LoadCatalog parses a catalog from YAML bytes. At most one alias per family
// may carry the default marker.
func LoadCatalog(data []byte) (*Catalog, error) {
	var raw map[string]map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse connection catalog: %w", err)
	}

	families := make(map[string]map[string]Descriptor, len(raw))
	for family, aliases := range raw {
		families[family] = make(map[string]Descriptor, len(aliases))
		markers := 0
		for alias, fields := range aliases {
			if isDefault(fields) {
				markers++
			}
			families[family][alias] = Descriptor(fields)
		}
		if markers > 1 {
			return nil, fmt.Errorf("connection catalog: family %q has %d aliases marked default", family, markers)
		}
	}
	return &Catalog{families: families}, nil
}

// Families returns the family names in sorted order.
func (c *Catalog) Families() []string {
	names := make([]string, 0, len(c.families))
	for name := range c.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a family and optional alias to a descriptor. With an empty
// alias the default precedence applies: the alias marked default, then the
// alias literally named "default".
func (c *Catalog) Lookup(family, alias string) (Descriptor, string, error) {
	aliases, ok := c.families[family]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", core.ErrConnUnknownFamily, family)
	}

	if alias != "" {
		desc, ok := aliases[alias]
		if !ok {
			return nil, "", fmt.Errorf("%w: %s.%s", core.ErrConnUnknownAlias, family, alias)
		}
		return desc, alias, nil
	}

	for name, desc := range aliases {
		if isDefault(desc) {
			return desc, name, nil
		}
	}
	if desc, ok := aliases[defaultMarker]; ok {
		return desc, defaultMarker, nil
	}
	return nil, "", fmt.Errorf("%w: %s", core.ErrConnNoDefault, family)
}

// ParseRef splits a symbolic reference "@family" or "@family.alias".
func ParseRef(ref string) (family, alias string, ok bool) {
	if !strings.HasPrefix(ref, "@") {
		return "", "", false
	}
	rest := strings.TrimPrefix(ref, "@")
	if rest == "" {
		return "", "", false
	}
	if i := strings.Index(rest, "."); i >= 0 {
		return rest[:i], rest[i+1:], true
	}
	return rest, "", true
}

// IsRef reports whether a config value is a symbolic connection reference.
func IsRef(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, _, ok = ParseRef(s)
	return ok
}

func isDefault(fields map[string]any) bool {
	b, ok := fields[defaultMarker].(bool)
	return ok && b
}

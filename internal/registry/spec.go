package registry

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/keboola/osiris-sub003/internal/secrets"
)

// ComponentSpec is a self-describing component record: schema, modes,
// capabilities, secret declarations, and authoring examples.
type ComponentSpec struct {
	Name         string            `yaml:"name" json:"name"`
	Version      string            `yaml:"version" json:"version"`
	Modes        []string          `yaml:"modes" json:"modes"`
	Capabilities map[string]bool   `yaml:"capabilities" json:"capabilities"`
	ConfigSchema map[string]any    `yaml:"config_schema" json:"config_schema"`
	Secrets      []string          `yaml:"secrets" json:"secrets"`
	Redaction    *Redaction        `yaml:"redaction" json:"redaction,omitempty"`
	Connection   *ConnectionHint   `yaml:"connection" json:"connection,omitempty"`
	Examples     []map[string]any  `yaml:"examples" json:"examples,omitempty"`
	Hints        map[string]string `yaml:"hints" json:"hints,omitempty"`

	semver   *semver.Version
	compiled *jsonschema.Schema
	rawDoc   map[string]any
}

// Redaction overrides the default masking behavior for a component.
type Redaction struct {
	Strategy   string   `yaml:"strategy" json:"strategy"` // mask, drop, hash
	Mask       string   `yaml:"mask" json:"mask,omitempty"`
	ExtraPaths []string `yaml:"extra_paths" json:"extra_paths,omitempty"`
}

// ConnectionHint declares which catalog family a component connects to and
// which descriptor fields the connection must provide.
type ConnectionHint struct {
	Family   string   `yaml:"family" json:"family"`
	Required []string `yaml:"required" json:"required,omitempty"`
}

// Ref returns the driver reference string component@version.
func (s *ComponentSpec) Ref() string {
	return fmt.Sprintf("%s@%s", s.Name, s.Version)
}

// SecretPaths returns all declared secret paths including redaction extras.
func (s *ComponentSpec) SecretPaths() []string {
	paths := append([]string(nil), s.Secrets...)
	if s.Redaction != nil {
		paths = append(paths, s.Redaction.ExtraPaths...)
	}
	return paths
}

// Policy builds the redaction policy governing this component's emissions.
func (s *ComponentSpec) Policy() *secrets.Policy {
	strategy := secrets.StrategyMask
	mask := ""
	if s.Redaction != nil {
		if s.Redaction.Strategy != "" {
			strategy = secrets.Strategy(s.Redaction.Strategy)
		}
		mask = s.Redaction.Mask
	}
	return secrets.NewPolicy(s.SecretPaths(), strategy, mask)
}

// SupportsMode reports whether the spec declares the given (normalized) mode.
func (s *ComponentSpec) SupportsMode(mode string) bool {
	mode = NormalizeMode(mode)
	for _, m := range s.Modes {
		if NormalizeMode(m) == mode {
			return true
		}
	}
	return false
}

// DriverMode translates an authoring-surface mode to the driver-facing form
// declared by the spec.
func (s *ComponentSpec) DriverMode(mode string) string {
	mode = NormalizeMode(mode)
	for _, m := range s.Modes {
		if NormalizeMode(m) == mode {
			return m
		}
	}
	return mode
}

// NormalizeMode folds the authoring-surface synonyms: extract is read and
// load is write.
func NormalizeMode(mode string) string {
	switch mode {
	case "extract":
		return "read"
	case "load":
		return "write"
	default:
		return mode
	}
}

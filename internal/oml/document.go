// Package oml models the declarative pipeline document authored by the user
// or the authoring surface, and validates it before compilation.
package oml

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"

	"github.com/keboola/osiris-sub003/internal/core"
)

// Document is a parsed OML pipeline definition.
type Document struct {
	OMLVersion string `yaml:"oml_version"`
	Name       string `yaml:"name"`
	Steps      []Step `yaml:"steps"`

	// raw preserves the full top-level mapping for forbidden-key checks.
	raw map[string]any
}

// Step is one step declaration within an OML document.
type Step struct {
	ID        string              `yaml:"id"`
	Component string              `yaml:"component"`
	Mode      string              `yaml:"mode"`
	Config    map[string]any      `yaml:"config"`
	Needs     []string            `yaml:"needs"`
	Inputs    map[string]InputRef `yaml:"inputs"`

	// Execution policy, all optional.
	Retry     *core.RetryPolicy `yaml:"retry"`
	Timeout   string            `yaml:"timeout"`
	Artifacts []string          `yaml:"artifacts"`
	Metrics   []string          `yaml:"metrics"`
	Privacy   string            `yaml:"privacy"`
	Resources map[string]string `yaml:"resources"`
}

// InputRef references an output of an upstream step.
type InputRef struct {
	FromStep string `yaml:"from_step" json:"from_step"`
	Key      string `yaml:"key" json:"key"`
}

// Dependencies returns the effective upstream step ids: explicit needs plus
// every input's producing step, deduplicated in declaration order.
func (s Step) Dependencies() []string {
	seen := make(map[string]struct{})
	var deps []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		deps = append(deps, id)
	}
	for _, n := range s.Needs {
		add(n)
	}
	for _, key := range sortedKeys(s.Inputs) {
		add(s.Inputs[key].FromStep)
	}
	return deps
}

// Raw returns the top-level mapping as parsed, for canonicalization and
// forbidden-key checks.
func (d *Document) Raw() map[string]any {
	return d.raw
}

// LoadFile reads and parses an OML document from a YAML file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read OML: %w", err)
	}
	return Load(data)
}

// Load parses an OML document from YAML bytes. Structural validation beyond
// basic shape happens in Validate.
func Load(data []byte) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse OML: %w", err)
	}
	doc, err := FromRaw(raw)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FromRaw builds a Document from an already-parsed top-level mapping.
func FromRaw(raw map[string]any) (*Document, error) {
	var doc Document
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "yaml",
		Result:  &doc,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("parse OML: %w", err)
	}
	doc.raw = raw
	return &doc, nil
}

func sortedKeys(m map[string]InputRef) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

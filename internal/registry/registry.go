// Package registry loads, validates, and indexes component specifications,
// and validates step configurations against them.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-yaml"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/keboola/osiris-sub003/internal/common/canonical"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/secrets"
)

var componentNameRe = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// Registry indexes component specifications by name and version.
type Registry struct {
	specs map[string][]*ComponentSpec // name -> specs, newest first
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{specs: make(map[string][]*ComponentSpec)}
}

// LoadDir loads every *.yaml / *.yml component spec under dir.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read spec dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec
		if err != nil {
			return fmt.Errorf("read spec %s: %w", name, err)
		}
		if err := r.AddYAML(data); err != nil {
			return fmt.Errorf("spec %s: %w", name, err)
		}
	}
	return nil
}

// AddYAML parses and registers a single component spec document.
func (r *Registry) AddYAML(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", core.ErrRegBadSpec, err)
	}
	return r.AddDoc(doc)
}

// AddDoc validates a raw spec document against the meta-schema and registers
// the resulting component spec.
func (r *Registry) AddDoc(doc map[string]any) error {
	if err := validateMetaSchema(doc); err != nil {
		return err
	}

	spec, err := decodeSpec(doc)
	if err != nil {
		return err
	}

	if !componentNameRe.MatchString(spec.Name) {
		return fmt.Errorf("%w: component name %q", core.ErrRegBadSpec, spec.Name)
	}

	spec.semver, err = semver.NewVersion(spec.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", core.ErrRegBadSpec, spec.Version, err)
	}

	spec.compiled, err = compileSchema(spec.Name, spec.ConfigSchema)
	if err != nil {
		return fmt.Errorf("%w: config schema of %s: %v", core.ErrRegBadSpec, spec.Name, err)
	}

	// Every declared secret path must be addressable within the schema.
	for _, p := range spec.SecretPaths() {
		if !schemaAddressable(spec.ConfigSchema, secrets.ParsePath(p)) {
			return fmt.Errorf("%w: secret path %q is not addressable in the config schema of %s",
				core.ErrRegBadSpec, p, spec.Name)
		}
	}

	for _, existing := range r.specs[spec.Name] {
		if existing.Version == spec.Version {
			return fmt.Errorf("%w: %s", core.ErrRegDuplicate, spec.Ref())
		}
	}

	spec.rawDoc = doc
	r.specs[spec.Name] = append(r.specs[spec.Name], spec)
	sort.Slice(r.specs[spec.Name], func(i, j int) bool {
		return r.specs[spec.Name][i].semver.GreaterThan(r.specs[spec.Name][j].semver)
	})
	return nil
}

// Get returns the latest version of the named component.
func (r *Registry) Get(name string) (*ComponentSpec, error) {
	specs, ok := r.specs[name]
	if !ok || len(specs) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrRegUnknown, name)
	}
	return specs[0], nil
}

// GetVersion returns an exact version of the named component.
func (r *Registry) GetVersion(name, version string) (*ComponentSpec, error) {
	for _, spec := range r.specs[name] {
		if spec.Version == version {
			return spec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", core.ErrRegUnknown, name, version)
}

// List returns all component names in sorted order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpecFingerprint computes registry_fp over the canonicalized sorted
// collection of accepted specs.
func (r *Registry) SpecFingerprint() (string, error) {
	var docs []any
	for _, name := range r.List() {
		specs := append([]*ComponentSpec(nil), r.specs[name]...)
		sort.Slice(specs, func(i, j int) bool {
			return specs[i].semver.LessThan(specs[j].semver)
		})
		for _, spec := range specs {
			docs = append(docs, spec.rawDoc)
		}
	}
	return canonical.Fingerprint(docs)
}

// ValidateConfig validates a step configuration structurally against the
// component's schema and checks the mode against the declared modes.
func (r *Registry) ValidateConfig(name, mode string, cfg map[string]any) []core.Violation {
	spec, err := r.Get(name)
	if err != nil {
		return []core.Violation{{
			Path:    "/component",
			Code:    core.CodeUnknownComponent,
			Message: fmt.Sprintf("unknown component %q", name),
			Suggest: suggestComponent(r.List(), name),
		}}
	}

	var violations []core.Violation
	if !spec.SupportsMode(mode) {
		violations = append(violations, core.Violation{
			Path:    "/mode",
			Code:    core.CodeBadMode,
			Message: fmt.Sprintf("component %s does not support mode %q (supported: %s)", name, mode, strings.Join(spec.Modes, ", ")),
		})
	}

	violations = append(violations, validateAgainst(spec.compiled, cfg)...)
	return violations
}

func validateAgainst(schema *jsonschema.Schema, cfg map[string]any) []core.Violation {
	inst, err := toInstance(cfg)
	if err != nil {
		return []core.Violation{{Path: "/config", Code: core.CodeCfgInvalid, Message: err.Error()}}
	}
	err = schema.Validate(inst)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []core.Violation{{Path: "/config", Code: core.CodeCfgInvalid, Message: err.Error()}}
	}

	var violations []core.Violation
	out := ve.BasicOutput()
	collectUnits(out, &violations)
	if len(violations) == 0 {
		violations = append(violations, core.Violation{Path: "/config", Code: core.CodeCfgInvalid, Message: ve.Error()})
	}
	return violations
}

func collectUnits(unit *jsonschema.OutputUnit, violations *[]core.Violation) {
	if unit == nil {
		return
	}
	if unit.Error != nil {
		path := "/config"
		if unit.InstanceLocation != "" {
			path = "/config" + unit.InstanceLocation
		}
		*violations = append(*violations, core.Violation{
			Path:    path,
			Code:    core.CodeCfgInvalid,
			Message: fmt.Sprintf("%v", unit.Error),
		})
	}
	for i := range unit.Errors {
		collectUnits(&unit.Errors[i], violations)
	}
}

// compileSchema compiles a JSON-Schema document given as a plain map.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	doc, err := toInstance(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://%s/config.schema.json", name)
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// toInstance round-trips a value through JSON so the validator sees the exact
// number and map types it expects.
func toInstance(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// schemaAddressable walks the schema's properties/items along the path.
// Schemas with open objects (additionalProperties unset or permissive) accept
// any child at that point.
func schemaAddressable(schema map[string]any, segments []string) bool {
	cur := schema
	for _, seg := range segments {
		if cur == nil {
			return false
		}
		if items, ok := cur["items"].(map[string]any); ok && isIndex(seg) {
			cur = items
			continue
		}
		props, _ := cur["properties"].(map[string]any)
		if child, ok := props[seg].(map[string]any); ok {
			cur = child
			continue
		}
		// Open object: anything is addressable below here.
		if ap, ok := cur["additionalProperties"]; !ok || ap != false {
			return true
		}
		return false
	}
	return true
}

func isIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func suggestComponent(names []string, miss string) string {
	for _, n := range names {
		if strings.Contains(n, miss) || strings.Contains(miss, n) {
			return fmt.Sprintf("did you mean %q?", n)
		}
	}
	return ""
}

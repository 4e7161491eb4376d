// Package compiler turns a validated OML document into an immutable compiled
// artifact set: a fingerprinted manifest plus one canonical JSON configuration
// file per step.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/keboola/osiris-sub003/internal/common/canonical"
	"github.com/keboola/osiris-sub003/internal/common/logger"
	"github.com/keboola/osiris-sub003/internal/connection"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/oml"
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/secrets"
)

// Version is the compiler's semantic version. It participates in compiler_fp,
// so bump it whenever compilation output for the same input may change.
const Version = "0.1.0"

// canonRules describes the canonical serialization rule set. Part of
// compiler_fp alongside Version.
const canonRules = "json:sorted-keys,no-ws,utf8;float:shortest-roundtrip,integral-as-int;bytes:base64;nan-inf:reject"

// DefaultProfile is the profile used when none is selected.
const DefaultProfile = "default"

// Options are the inputs to one compilation.
type Options struct {
	Document *oml.Document
	Registry *registry.Registry
	Catalog  *connection.Catalog
	Profile  string
	Params   map[string]any
}

// Result is the compiled artifact set. Configs maps step id to the canonical
// JSON bytes of its resolved configuration file.
type Result struct {
	Manifest     *core.Manifest
	Configs      map[string][]byte
	Meta         Meta
	Fingerprints core.Fingerprints
	Diagnostics  []core.Violation
	Params       map[string]any
}

// Meta is the non-fingerprinted compilation context, emitted as meta.json.
type Meta struct {
	GeneratedAt     time.Time           `json:"generated_at"`
	Profile         string              `json:"profile"`
	CompilerVersion string              `json:"compiler_version"`
	Fingerprints    core.Fingerprints   `json:"fingerprints"`
	StrippedKeys    map[string][]string `json:"stripped_keys,omitempty"`
}

// Compile runs validation, topological ordering, connection resolution, and
// fingerprinting. On validation failure the result carries diagnostics and the
// error unwraps to core.ErrOMLInvalid; no artifacts are produced.
func Compile(ctx context.Context, opts Options) (*Result, error) {
	doc := opts.Document
	profile := opts.Profile
	if profile == "" {
		profile = DefaultProfile
	}

	if violations := oml.Validate(doc, opts.Registry); len(violations) > 0 {
		return &Result{Diagnostics: violations},
			fmt.Errorf("%w: %d violations", core.ErrOMLInvalid, len(violations))
	}

	order, err := topoSort(doc.Steps)
	if err != nil {
		return nil, err
	}

	params := opts.Params
	if params == nil {
		params = map[string]any{}
	}

	result := &Result{
		Configs: make(map[string][]byte, len(doc.Steps)),
		Params:  params,
		Meta: Meta{
			GeneratedAt:     time.Now().UTC(),
			Profile:         profile,
			CompilerVersion: Version,
			StrippedKeys:    map[string][]string{},
		},
	}

	manifest := &core.Manifest{
		ManifestVersion: core.ManifestVersion,
		Pipeline: core.Pipeline{
			ID:         doc.Name,
			Name:       doc.Name,
			OMLVersion: doc.OMLVersion,
		},
		Meta: core.ManifestMeta{
			Profile:         profile,
			CompilerVersion: Version,
		},
	}

	for _, step := range order {
		entry, cfg, err := compileStep(ctx, step, opts)
		if err != nil {
			return nil, err
		}
		if stripped := strippedKeys(step.Config); len(stripped) > 0 {
			result.Meta.StrippedKeys[step.ID] = stripped
		}
		result.Configs[step.ID] = cfg
		manifest.Steps = append(manifest.Steps, entry)
	}

	fps, err := fingerprints(doc, opts.Registry, profile, opts.Params)
	if err != nil {
		return nil, err
	}
	manifest.Pipeline.Fingerprints = fps

	manifestFp, err := manifestFingerprint(manifest)
	if err != nil {
		return nil, err
	}
	manifest.Pipeline.Fingerprints.Manifest = manifestFp

	result.Manifest = manifest
	result.Fingerprints = manifest.Pipeline.Fingerprints
	result.Meta.Fingerprints = result.Fingerprints

	logger.Debug(ctx, "compiled pipeline",
		"pipeline", doc.Name, "steps", len(manifest.Steps), "manifest_fp", manifestFp)
	return result, nil
}

// compileStep resolves one step into its manifest entry and canonical config
// file bytes.
func compileStep(ctx context.Context, step oml.Step, opts Options) (core.ManifestStep, []byte, error) {
	spec, err := opts.Registry.Get(step.Component)
	if err != nil {
		return core.ManifestStep{}, nil, err
	}

	cfg := stripMetaKeys(step.Config)

	if opts.Catalog != nil {
		res, err := connection.Resolve(cfg, spec, opts.Catalog)
		if err != nil {
			return core.ManifestStep{}, nil, fmt.Errorf("step %s: %w", step.ID, err)
		}
		cfg = res.Config
	}

	if violations := opts.Registry.ValidateConfig(step.Component, step.Mode, cfg); len(violations) > 0 {
		return core.ManifestStep{}, nil,
			fmt.Errorf("%w: step %s resolved config has %d violations: %s",
				core.ErrOMLInvalid, step.ID, len(violations), violations[0].Message)
	}

	if err := secrets.Scan(cfg, spec.SecretPaths()); err != nil {
		return core.ManifestStep{}, nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	mode := spec.DriverMode(step.Mode)
	doc := make(map[string]any, len(cfg)+2)
	for k, v := range cfg {
		doc[k] = v
	}
	doc["component"] = step.Component
	doc["mode"] = mode

	data, err := canonical.Marshal(doc)
	if err != nil {
		return core.ManifestStep{}, nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	retry := core.RetryPolicy{Backoff: core.BackoffNone}
	if step.Retry != nil {
		retry = *step.Retry
		if retry.Backoff == "" {
			retry.Backoff = core.BackoffNone
		}
	}
	privacy := step.Privacy
	if privacy == "" {
		privacy = "standard"
	}

	inputs := make(map[string]core.InputRef, len(step.Inputs))
	for key, ref := range step.Inputs {
		inputs[key] = core.InputRef{FromStep: ref.FromStep, Key: ref.Key}
	}

	entry := core.ManifestStep{
		ID:        step.ID,
		Driver:    spec.Ref(),
		Mode:      mode,
		CfgPath:   "cfg/" + step.ID + ".json",
		Needs:     nonNil(step.Dependencies()),
		Inputs:    inputs,
		Retry:     retry,
		Timeout:   step.Timeout,
		Artifacts: nonNil(step.Artifacts),
		Metrics:   nonNil(step.Metrics),
		Privacy:   privacy,
		Resources: nonNilMap(step.Resources),
	}
	return entry, data, nil
}

// topoSort orders steps by their effective dependencies, breaking ties by
// authoring order.
func topoSort(steps []oml.Step) ([]oml.Step, error) {
	byID := make(map[string]int, len(steps))
	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		byID[s.ID] = i
	}
	for i, s := range steps {
		for _, dep := range s.Dependencies() {
			j, ok := byID[dep]
			if !ok {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var out []oml.Step
	done := make([]bool, len(steps))
	for len(out) < len(steps) {
		picked := -1
		for i := range steps {
			if !done[i] && indegree[i] == 0 {
				picked = i
				break
			}
		}
		if picked < 0 {
			return nil, fmt.Errorf("%w: dependency cycle survived validation", core.ErrOMLInvalid)
		}
		done[picked] = true
		out = append(out, steps[picked])
		for _, d := range dependents[picked] {
			indegree[d]--
		}
	}
	return out, nil
}

func fingerprints(doc *oml.Document, reg *registry.Registry, profile string, params map[string]any) (core.Fingerprints, error) {
	var fps core.Fingerprints

	omlFp, err := canonical.Fingerprint(doc.Raw())
	if err != nil {
		return fps, fmt.Errorf("oml fingerprint: %w", err)
	}
	regFp, err := reg.SpecFingerprint()
	if err != nil {
		return fps, fmt.Errorf("registry fingerprint: %w", err)
	}
	compilerFp, err := canonical.Fingerprint(map[string]any{
		"version":   Version,
		"canonical": canonRules,
	})
	if err != nil {
		return fps, fmt.Errorf("compiler fingerprint: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	paramsFp, err := canonical.Fingerprint(map[string]any{
		"profile": profile,
		"params":  params,
	})
	if err != nil {
		return fps, fmt.Errorf("params fingerprint: %w", err)
	}

	fps.OML = omlFp
	fps.Registry = regFp
	fps.Compiler = compilerFp
	fps.Params = paramsFp
	return fps, nil
}

// manifestFingerprint computes manifest_fp with the field itself held at the
// fixed placeholder.
func manifestFingerprint(m *core.Manifest) (string, error) {
	saved := m.Pipeline.Fingerprints.Manifest
	m.Pipeline.Fingerprints.Manifest = core.ManifestFpPlaceholder
	defer func() { m.Pipeline.Fingerprints.Manifest = saved }()

	normalized, err := m.Normalize()
	if err != nil {
		return "", err
	}
	return canonical.Fingerprint(normalized)
}

// CacheKey derives the compilation cache key from the input fingerprints and
// the active profile.
func (r *Result) CacheKey() string {
	fps := r.Fingerprints
	sum := sha256.Sum256([]byte(fps.OML + fps.Registry + fps.Compiler + fps.Params + r.Meta.Profile))
	return hex.EncodeToString(sum[:])
}

// stripMetaKeys removes keys beginning with an underscore at every mapping
// level of the configuration.
func stripMetaKeys(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = stripMetaKeys(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// strippedKeys lists the top-level underscore keys removed from a config.
func strippedKeys(cfg map[string]any) []string {
	var keys []string
	for k := range cfg {
		if strings.HasPrefix(k, "_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

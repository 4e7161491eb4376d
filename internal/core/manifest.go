package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ManifestVersion is the format version of compiled manifests.
const ManifestVersion = "1"

// OMLVersion is the only accepted OML document version.
const OMLVersion = "0.1.0"

// ManifestFpPlaceholder stands in for the manifest fingerprint while the
// fingerprint itself is being computed.
const ManifestFpPlaceholder = "0000000000000000000000000000000000000000000000000000000000000000"

// Fingerprints holds the SHA-256 fingerprints of a compilation.
type Fingerprints struct {
	OML      string `json:"oml_fp" yaml:"oml_fp"`
	Registry string `json:"registry_fp" yaml:"registry_fp"`
	Compiler string `json:"compiler_fp" yaml:"compiler_fp"`
	Params   string `json:"params_fp" yaml:"params_fp"`
	Manifest string `json:"manifest_fp" yaml:"manifest_fp"`
}

// Manifest is the deterministic, fingerprinted compilation output.
type Manifest struct {
	ManifestVersion string         `json:"manifest_version" yaml:"manifest_version"`
	Pipeline        Pipeline       `json:"pipeline" yaml:"pipeline"`
	Steps           []ManifestStep `json:"steps" yaml:"steps"`
	Meta            ManifestMeta   `json:"meta" yaml:"meta"`
}

// Pipeline is the identity block of a manifest.
type Pipeline struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	OMLVersion   string       `json:"oml_version" yaml:"oml_version"`
	Fingerprints Fingerprints `json:"fingerprints" yaml:"fingerprints"`
}

// ManifestStep is one compiled step entry.
type ManifestStep struct {
	ID        string              `json:"id" yaml:"id"`
	Driver    string              `json:"driver" yaml:"driver"` // component@version
	Mode      string              `json:"mode" yaml:"mode"`
	CfgPath   string              `json:"cfg" yaml:"cfg"` // relative, cfg/<id>.json
	Needs     []string            `json:"needs" yaml:"needs"`
	Inputs    map[string]InputRef `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Retry     RetryPolicy         `json:"retry" yaml:"retry"`
	Timeout   string              `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Artifacts []string            `json:"artifacts" yaml:"artifacts"`
	Metrics   []string            `json:"metrics" yaml:"metrics"`
	Privacy   string              `json:"privacy" yaml:"privacy"`
	Resources map[string]string   `json:"resources" yaml:"resources"`
}

// InputRef wires a step input key to an output of an upstream step.
type InputRef struct {
	FromStep string `json:"from_step" yaml:"from_step"`
	Key      string `json:"key" yaml:"key"`
}

// Component returns the component name of the step's driver reference.
func (s ManifestStep) Component() string {
	for i := 0; i < len(s.Driver); i++ {
		if s.Driver[i] == '@' {
			return s.Driver[:i]
		}
	}
	return s.Driver
}

// TimeoutDuration parses the step timeout. A zero duration means unbounded.
func (s ManifestStep) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("step %s: invalid timeout %q: %w", s.ID, s.Timeout, err)
	}
	return d, nil
}

// ManifestMeta carries run-irrelevant manifest context. It deliberately holds
// no wall-clock value; generation time lives in meta.json only, which is not
// fingerprinted.
type ManifestMeta struct {
	Profile         string `json:"profile" yaml:"profile"`
	CompilerVersion string `json:"compiler_version" yaml:"compiler_version"`
}

// RetryPolicy declares how a step is retried on failure.
type RetryPolicy struct {
	Max     int    `json:"max" yaml:"max"`
	Backoff string `json:"backoff" yaml:"backoff"` // none, linear, exp
	DelayMS int    `json:"delay_ms" yaml:"delay_ms"`
}

// Backoff strategies accepted in a retry policy.
const (
	BackoffNone   = "none"
	BackoffLinear = "linear"
	BackoffExp    = "exp"
)

// Step looks up a step entry by id.
func (m *Manifest) Step(id string) (ManifestStep, bool) {
	for _, s := range m.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return ManifestStep{}, false
}

// Normalize converts the manifest into plain maps and slices so it can be
// canonicalized independently of struct field order.
func (m *Manifest) Normalize() (any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("normalize manifest: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("normalize manifest: %w", err)
	}
	return v, nil
}

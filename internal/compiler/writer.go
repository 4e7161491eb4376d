package compiler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/keboola/osiris-sub003/internal/common/canonical"
)

// Write emits the compiled artifact set into dir: manifest.yaml, one
// cfg/<step>.json per step, meta.json, and effective_config.json. The whole
// set is staged in a temp directory and moved into place in one rename, so a
// failed compile leaves nothing behind.
func (r *Result) Write(dir string) error {
	if r.Manifest == nil {
		return fmt.Errorf("nothing to write: compilation produced no manifest")
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("write compile output: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".compile-*")
	if err != nil {
		return fmt.Errorf("write compile output: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := r.writeTo(tmp); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("write compile output: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("write compile output: %w", err)
	}
	return nil
}

func (r *Result) writeTo(dir string) error {
	manifestData, err := yaml.Marshal(r.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), manifestData, 0o600); err != nil {
		return err
	}

	cfgDir := filepath.Join(dir, "cfg")
	if err := os.MkdirAll(cfgDir, 0o750); err != nil {
		return err
	}
	for _, step := range r.Manifest.Steps {
		data, ok := r.Configs[step.ID]
		if !ok {
			return fmt.Errorf("manifest step %s has no compiled config", step.ID)
		}
		if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(step.CfgPath)), data, 0o600); err != nil {
			return err
		}
	}

	metaData, err := json.MarshalIndent(r.Meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), metaData, 0o600); err != nil {
		return err
	}

	effective, err := canonical.Marshal(map[string]any{
		"profile": r.Meta.Profile,
		"params":  r.Params,
	})
	if err != nil {
		return fmt.Errorf("marshal effective config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "effective_config.json"), effective, 0o600)
}

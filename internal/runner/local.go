package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keboola/osiris-sub003/internal/common/fileutil"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/driver"
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/session"
)

// LocalAdapter executes a compiled manifest in-process.
type LocalAdapter struct {
	Registry *registry.Registry
}

// Execute runs prepare, the step loop, and collect. The returned status is
// final; the orchestrator seals the session with it.
func (a *LocalAdapter) Execute(ctx context.Context, sess *session.Session, m *core.Manifest, compiledDir string) core.Status {
	sess.SetState(core.StatePreparing)
	sess.Event(core.EventAdapterPrepareStart, map[string]any{"adapter": "local"})

	if err := a.prepare(sess, m, compiledDir); err != nil {
		sess.SetState(core.StateFailed)
		sess.Log().Error("prepare failed", "err", err)
		return core.Status{OK: false, ExitCode: core.ExitRuntime, Error: err.Error()}
	}

	sess.Metric(core.MetricStepsTotal, float64(len(m.Steps)), "steps", nil)

	sess.SetState(core.StateRunning)
	started := time.Now()
	store := OutputStore{}
	completed := 0
	for _, step := range m.Steps {
		cfg, err := a.loadConfig(sess, step)
		if err != nil {
			sess.SetState(core.StateFailed)
			return core.Status{
				OK: false, StepsCompleted: completed, ExitCode: core.ExitRuntime,
				FailedStep: step.ID, Error: err.Error(),
			}
		}
		outputs, err := ExecStep(ctx, sess, a.Registry, step, cfg, store)
		if err != nil {
			sess.SetState(core.StateFailed)
			return core.Status{
				OK: false, StepsCompleted: completed, ExitCode: core.ExitRuntime,
				FailedStep: step.ID, Error: err.Error(),
			}
		}
		store[step.ID] = outputs
		completed++
	}

	sess.SetState(core.StateCleanup)
	sess.Metric(core.MetricStepsCompleted, float64(completed), "steps", nil)
	sess.Metric(core.MetricExecutionDuration, time.Since(started).Seconds(), "s", nil)
	return core.Status{OK: true, StepsCompleted: completed, ExitCode: core.ExitOK}
}

// prepare verifies the compiled artifact set, copies the manifest and every
// step configuration into the session directory, and checks that a driver is
// registered for each step's component.
func (a *LocalAdapter) prepare(sess *session.Session, m *core.Manifest, compiledDir string) error {
	if err := Materialize(sess, m, compiledDir); err != nil {
		return err
	}
	if err := RegisterDrivers(sess, m); err != nil {
		return err
	}
	sess.Event(core.EventPreflightValidationSuccess, map[string]any{"steps": len(m.Steps)})
	return nil
}

// Materialize copies the manifest and every step configuration into the
// session directory, emitting one cfg_materialized per file with its size and
// SHA-256, then manifest_materialized. Both adapters leave the same tree.
func Materialize(sess *session.Session, m *core.Manifest, compiledDir string) error {
	cfgDir, err := sess.CfgDir()
	if err != nil {
		return err
	}

	for _, step := range m.Steps {
		src := filepath.Join(compiledDir, filepath.FromSlash(step.CfgPath))
		if !fileutil.FileExists(src) {
			return fmt.Errorf("config for step %s not found at %s", step.ID, src)
		}
		dst := filepath.Join(cfgDir, step.ID+".json")
		size, err := fileutil.CopyFile(src, dst)
		if err != nil {
			return fmt.Errorf("materialize config for step %s: %w", step.ID, err)
		}
		sha, err := fileutil.SHA256File(dst)
		if err != nil {
			return err
		}
		sess.Event(core.EventCfgMaterialized, map[string]any{
			"step_id":    step.ID,
			"path":       step.CfgPath,
			"sha256":     sha,
			"size_bytes": size,
		})
	}

	manifestSrc := filepath.Join(compiledDir, "manifest.yaml")
	if _, err := fileutil.CopyFile(manifestSrc, filepath.Join(sess.Dir(), "manifest.yaml")); err != nil {
		return fmt.Errorf("materialize manifest: %w", err)
	}
	sha, err := fileutil.SHA256File(filepath.Join(sess.Dir(), "manifest.yaml"))
	if err != nil {
		return err
	}
	sess.Event(core.EventManifestMaterialized, map[string]any{"sha256": sha})

	for _, step := range m.Steps {
		if keys := strippedKeysFor(compiledDir, step.ID); len(keys) > 0 {
			sess.Event(core.EventConfigMetaStripped, map[string]any{
				"step_id": step.ID,
				"keys":    keys,
			})
		}
	}
	return nil
}

// strippedKeysFor reads the compile metadata, if present, for the list of
// underscore keys removed from a step's authored config.
func strippedKeysFor(compiledDir, stepID string) []string {
	data, err := os.ReadFile(filepath.Join(compiledDir, "meta.json")) //nolint:gosec
	if err != nil {
		return nil
	}
	var meta struct {
		StrippedKeys map[string][]string `json:"stripped_keys"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return meta.StrippedKeys[stepID]
}

// RegisterDrivers checks driver availability for every component in the
// manifest, emitting one driver_registered per component.
func RegisterDrivers(sess *session.Session, m *core.Manifest) error {
	seen := map[string]bool{}
	for _, step := range m.Steps {
		component := step.Component()
		if seen[component] {
			continue
		}
		seen[component] = true
		if _, err := driver.New(component); err != nil {
			sess.Event(core.EventDriverRegistrationFailed, map[string]any{
				"component": component,
				"error":     err.Error(),
			})
			return err
		}
		sess.Event(core.EventDriverRegistered, map[string]any{"component": component})
	}
	sess.Event(core.EventDriversRegistered, map[string]any{"count": len(seen)})
	return nil
}

func (a *LocalAdapter) loadConfig(sess *session.Session, step core.ManifestStep) (map[string]any, error) {
	cfgDir, err := sess.CfgDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(cfgDir, step.ID+".json")) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read config for step %s: %w", step.ID, err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config for step %s: %w", step.ID, err)
	}
	return cfg, nil
}

// Package runner executes compiled manifests through one of two adapters:
// local (in-process) and remote-proxy (inside an isolated sandbox). Both
// adapters produce the same observable session record for the same manifest.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/keboola/osiris-sub003/internal/common/fileutil"
	"github.com/keboola/osiris-sub003/internal/common/logger"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/session"
)

// AdapterKind selects the execution adapter.
type AdapterKind string

const (
	AdapterLocal  AdapterKind = "local"
	AdapterRemote AdapterKind = "remote"
)

// Adapter executes a compiled manifest against an open session.
type Adapter interface {
	Execute(ctx context.Context, sess *session.Session, m *core.Manifest, compiledDir string) core.Status
}

// Options configure one run.
type Options struct {
	// ManifestPath is the compiled manifest.yaml, or the directory holding it.
	ManifestPath string
	Adapter      AdapterKind
	SessionRoot  string
	Registry     *registry.Registry
	// Env overlays environment variables for the run.
	Env map[string]string
	// Sandbox backs the remote adapter. Defaults to a local worker process.
	Sandbox Sandbox
	// InstallDeps permits the remote worker to provision missing
	// dependencies during prepare.
	InstallDeps bool
	Debug       bool
}

// RunResult is the outcome of one execution attempt.
type RunResult struct {
	SessionID  string
	Status     core.Status
	FailedStep string
}

// Run loads the manifest, opens a session, executes through the selected
// adapter, and seals the session. The session is sealed on every path.
func Run(ctx context.Context, opts Options) (*RunResult, error) {
	manifestPath := opts.ManifestPath
	if fileutil.IsDir(manifestPath) {
		manifestPath = filepath.Join(manifestPath, "manifest.yaml")
	}
	compiledDir := filepath.Dir(manifestPath)

	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	root := opts.SessionRoot
	if root == "" {
		root = "logs"
	}
	sessOpts := []session.Option{session.WithEnv(opts.Env)}
	if opts.Debug {
		sessOpts = append(sessOpts, session.WithDebug())
	}
	sess, err := session.New(root, sessOpts...)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithLogger(ctx, sess.Log())

	// Whatever happens below, the session ends sealed.
	defer func() {
		_ = sess.Seal(core.Status{OK: false, ExitCode: core.ExitRuntime, Error: "run aborted before completion"})
	}()

	adapter, kind, err := selectAdapter(opts)
	if err != nil {
		_ = sess.Seal(core.Status{OK: false, ExitCode: core.ExitRuntime, Error: err.Error()})
		return nil, err
	}

	sess.Event(core.EventRunStart, map[string]any{
		"pipeline":    manifest.Pipeline.Name,
		"manifest_fp": manifest.Pipeline.Fingerprints.Manifest,
	})
	sess.Event(core.EventEnvLoaded, map[string]any{"overlay_vars": len(opts.Env)})
	sess.Event(core.EventAdapterSelected, map[string]any{"adapter": string(kind)})

	status := adapter.Execute(ctx, sess, manifest, compiledDir)
	if status.OK {
		sess.Event(core.EventRunComplete, map[string]any{
			"pipeline":        manifest.Pipeline.Name,
			"steps_completed": status.StepsCompleted,
		})
	}

	if err := sess.Seal(status); err != nil {
		return nil, fmt.Errorf("seal session: %w", err)
	}
	return &RunResult{SessionID: sess.ID(), Status: status, FailedStep: status.FailedStep}, nil
}

// LoadManifest parses a compiled manifest file.
func LoadManifest(path string) (*core.Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m core.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.ManifestVersion != core.ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", m.ManifestVersion)
	}
	return &m, nil
}

func selectAdapter(opts Options) (Adapter, AdapterKind, error) {
	kind := opts.Adapter
	if kind == "" {
		kind = AdapterLocal
	}
	switch kind {
	case AdapterLocal:
		return &LocalAdapter{Registry: opts.Registry}, kind, nil
	case AdapterRemote:
		sandbox := opts.Sandbox
		if sandbox == nil {
			sandbox = &ProcessSandbox{}
		}
		return &ProxyAdapter{Sandbox: sandbox, Env: opts.Env, InstallDeps: opts.InstallDeps}, kind, nil
	default:
		return nil, kind, fmt.Errorf("unknown adapter %q", kind)
	}
}

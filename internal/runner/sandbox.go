package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Sandbox provisions isolated workspaces for the remote-proxy adapter.
type Sandbox interface {
	Open(ctx context.Context, opts SandboxOptions) (SandboxHandle, error)
}

// SandboxOptions configure one sandbox acquisition.
type SandboxOptions struct {
	// Env is passed to the worker process environment; secret values travel
	// this way and never through the command stream or uploaded files.
	Env map[string]string
	// Timeout bounds the whole remote run's wall clock.
	Timeout time.Duration
	// Stderr receives the sandbox's stderr, normally the session debug log.
	Stderr io.Writer
}

// SandboxHandle is one live sandbox: a workspace directory for uploads and
// fetches plus the worker's stdio.
type SandboxHandle interface {
	// Dir is the workspace root. The host uploads the manifest and configs
	// here and fetches session output from here after cleanup.
	Dir() string
	Stdin() io.Writer
	Stdout() io.Reader
	// Close terminates the worker and releases the workspace.
	Close() error
	// Wait blocks until the worker exits.
	Wait() error
}

// ProcessSandbox isolates a run in a subprocess: it re-executes the current
// binary in worker mode inside a throwaway workspace directory.
type ProcessSandbox struct {
	// Binary overrides the worker executable. Defaults to the current binary.
	Binary string
	// WorkRoot is where workspaces are created. Defaults to the OS temp dir.
	WorkRoot string
}

// Open creates the workspace and starts the worker process.
func (s *ProcessSandbox) Open(ctx context.Context, opts SandboxOptions) (SandboxHandle, error) {
	binary := s.Binary
	if binary == "" {
		var err error
		if binary, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
	}

	root := s.WorkRoot
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "osiris-sandbox-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sandbox workspace: %w", err)
	}

	cmd := exec.CommandContext(ctx, binary, "worker", "--dir", dir) //nolint:gosec
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = opts.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start sandbox worker: %w", err)
	}

	return &processHandle{dir: dir, cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type processHandle struct {
	dir    string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (h *processHandle) Dir() string       { return h.dir }
func (h *processHandle) Stdin() io.Writer  { return h.stdin }
func (h *processHandle) Stdout() io.Reader { return h.stdout }

func (h *processHandle) Wait() error {
	h.stdin.Close()
	return h.cmd.Wait()
}

func (h *processHandle) Close() error {
	h.stdin.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.cmd.Wait()
	return os.RemoveAll(h.dir)
}

// Package worker is the sandbox side of the remote-proxy adapter. It reads
// newline-JSON commands on stdin, executes steps against a local session that
// mirrors the host session id, and writes response, event, and metric records
// to stdout. Whatever happens, the worker leaves a sealed session behind:
// status.json exists and metrics.jsonl is non-empty even after a crash of the
// command stream.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/runner"
	"github.com/keboola/osiris-sub003/internal/session"
)

// Options configure one worker process.
type Options struct {
	// Dir is the sandbox workspace holding the uploaded manifest and configs.
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	// Registry is optional; without it steps run under the global redaction
	// policy only.
	Registry *registry.Registry
}

// Serve runs the command loop until cleanup or until stdin closes.
func Serve(ctx context.Context, opts Options) error {
	w := &worker{opts: opts, store: runner.OutputStore{}}
	defer w.ensureSealed()

	scanner := bufio.NewScanner(opts.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd runner.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			w.respond(runner.Record{Type: runner.RecordResponse, Error: fmt.Sprintf("bad command: %v", err)})
			continue
		}

		done, err := w.dispatch(ctx, cmd)
		if err != nil {
			w.respond(runner.Record{Type: runner.RecordResponse, Cmd: cmd.Cmd, StepID: cmd.StepID, Error: err.Error()})
			continue
		}
		if done {
			return nil
		}
	}
	return scanner.Err()
}

type worker struct {
	opts  Options
	sess  *session.Session
	m     *core.Manifest
	store runner.OutputStore

	completed  int
	failedStep string
	stepErr    error

	outMu sync.Mutex
}

func (w *worker) dispatch(ctx context.Context, cmd runner.Command) (done bool, err error) {
	switch cmd.Cmd {
	case runner.CmdPrepare:
		return false, w.prepare(cmd)
	case runner.CmdExecStep:
		w.execStep(ctx, cmd)
		return false, nil
	case runner.CmdCleanup:
		w.cleanup()
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", cmd.Cmd)
	}
}

func (w *worker) prepare(cmd runner.Command) error {
	if w.sess != nil {
		return fmt.Errorf("already prepared")
	}
	if cmd.SessionID == "" {
		return fmt.Errorf("prepare needs a session_id")
	}

	sess, err := session.New(filepath.Join(w.opts.Dir, "logs"),
		session.WithID(cmd.SessionID),
		session.WithTap(w.mirror))
	if err != nil {
		return err
	}
	w.sess = sess

	manifestName := cmd.Manifest
	if manifestName == "" {
		manifestName = "manifest.yaml"
	}
	m, err := runner.LoadManifest(filepath.Join(w.opts.Dir, manifestName))
	if err != nil {
		return err
	}
	w.m = m

	if err := runner.Materialize(sess, m, w.opts.Dir); err != nil {
		return err
	}
	if err := runner.RegisterDrivers(sess, m); err != nil {
		return err
	}
	sess.Event(core.EventDependencyCheck, map[string]any{
		"ok":                true,
		"steps":             len(m.Steps),
		"install_permitted": cmd.InstallDeps,
	})
	if cmd.InstallDeps {
		// Drivers are compiled into the worker binary, so a permitted install
		// finds everything already present.
		sess.Event(core.EventDependencyInstalled, map[string]any{"provisioned": 0})
	}
	sess.Event(core.EventPreflightValidationSuccess, map[string]any{"steps": len(m.Steps)})
	sess.Metric(core.MetricStepsTotal, float64(len(m.Steps)), "steps", nil)

	w.respond(runner.Record{Type: runner.RecordResponse, Cmd: runner.CmdPrepare, OK: true})
	return nil
}

func (w *worker) execStep(ctx context.Context, cmd runner.Command) {
	fail := func(err error) {
		w.failedStep = cmd.StepID
		w.stepErr = err
		w.respond(runner.Record{
			Type: runner.RecordResponse, Cmd: runner.CmdExecStep,
			StepID: cmd.StepID, Error: err.Error(),
		})
	}

	if w.sess == nil || w.m == nil {
		fail(fmt.Errorf("exec_step before prepare"))
		return
	}
	step, ok := w.m.Step(cmd.StepID)
	if !ok {
		fail(fmt.Errorf("unknown step %q", cmd.StepID))
		return
	}
	if len(cmd.Inputs) > 0 {
		step.Inputs = cmd.Inputs
	}

	cfgPath := cmd.CfgPath
	if cfgPath == "" {
		cfgPath = step.CfgPath
	}
	cfg, err := loadConfig(filepath.Join(w.opts.Dir, filepath.FromSlash(cfgPath)))
	if err != nil {
		fail(err)
		return
	}

	outputs, err := runner.ExecStep(ctx, w.sess, w.opts.Registry, step, cfg, w.store)
	if err != nil {
		fail(err)
		return
	}

	w.store[step.ID] = outputs
	w.completed++
	w.respond(runner.Record{
		Type: runner.RecordResponse, Cmd: runner.CmdExecStep,
		StepID: cmd.StepID, OK: true,
	})
}

func (w *worker) cleanup() {
	if w.sess != nil {
		w.sess.Metric(core.MetricStepsCompleted, float64(w.completed), "steps", nil)
		_ = w.sess.Seal(w.status())
	}
	w.respond(runner.Record{Type: runner.RecordResponse, Cmd: runner.CmdCleanup, OK: true})
}

// ensureSealed is the crash path: the status contract holds even when the
// host never sent cleanup.
func (w *worker) ensureSealed() {
	if w.sess != nil {
		_ = w.sess.Seal(w.status())
	}
}

func (w *worker) status() core.Status {
	ok := w.stepErr == nil && w.m != nil && w.completed == len(w.m.Steps)
	status := core.Status{OK: ok, StepsCompleted: w.completed}
	if !ok {
		status.ExitCode = core.ExitRuntime
		status.FailedStep = w.failedStep
		if w.stepErr != nil {
			status.Error = w.stepErr.Error()
		} else {
			status.Error = "run did not complete"
		}
	}
	return status
}

// mirror forwards a masked session record line to stdout.
func (w *worker) mirror(kind string, line []byte) {
	w.respond(runner.Record{Type: kind, Payload: json.RawMessage(line)})
}

func (w *worker) respond(record runner.Record) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	w.outMu.Lock()
	defer w.outMu.Unlock()
	_, _ = w.opts.Stdout.Write(append(data, '\n'))
}

func loadConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read step config: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse step config: %w", err)
	}
	return cfg, nil
}

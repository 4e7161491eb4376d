package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/keboola/osiris-sub003/internal/common/fileutil"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/session"
)

// DefaultSandboxTimeout bounds a remote run's wall clock when no explicit
// timeout is configured.
const DefaultSandboxTimeout = 10 * time.Minute

// ProxyAdapter executes a manifest inside an isolated sandbox. It uploads the
// compiled artifact set, drives the worker over a newline-JSON command
// stream, and mirrors every event and metric into the host session so both
// adapters produce the same observable record.
type ProxyAdapter struct {
	Sandbox Sandbox
	Env     map[string]string
	Timeout time.Duration
	// InstallDeps permits the worker to provision missing dependencies.
	InstallDeps bool
}

// Execute drives one remote run: acquire, upload, prepare, step loop,
// cleanup, fetch.
func (a *ProxyAdapter) Execute(ctx context.Context, sess *session.Session, m *core.Manifest, compiledDir string) core.Status {
	sess.SetState(core.StatePreparing)
	sess.Event(core.EventAdapterPrepareStart, map[string]any{"adapter": "remote"})

	timeout := a.Timeout
	if timeout == 0 {
		timeout = DefaultSandboxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stderr, err := fileutil.OpenAppendFile(sess.DebugLogPath())
	if err != nil {
		return failStatus(0, err)
	}
	defer stderr.Close()

	opened := time.Now()
	handle, err := a.Sandbox.Open(runCtx, SandboxOptions{Env: a.Env, Timeout: timeout, Stderr: sess.MaskedWriter(stderr)})
	if err != nil {
		return failStatus(0, fmt.Errorf("acquire sandbox: %w", err))
	}
	defer handle.Close()

	if err := uploadArtifacts(sess, m, compiledDir, handle.Dir()); err != nil {
		return failStatus(0, err)
	}

	conv := &conversation{
		sess:    sess,
		encoder: json.NewEncoder(handle.Stdin()),
		scanner: newLineScanner(handle.Stdout()),
	}

	if err := conv.send(Command{
		Cmd:         CmdPrepare,
		SessionID:   sess.ID(),
		Manifest:    "manifest.yaml",
		InstallDeps: a.InstallDeps,
	}); err != nil {
		return failStatus(0, err)
	}
	resp, err := conv.await(runCtx, CmdPrepare)
	if err != nil {
		return a.abort(sess, handle, 0, err)
	}
	if !resp.OK {
		return a.abort(sess, handle, 0, fmt.Errorf("worker prepare failed: %s", resp.Error))
	}
	sess.Metric(core.MetricSandboxOverheadMS, float64(time.Since(opened).Milliseconds()), "ms", nil)

	sess.SetState(core.StateRunning)
	execStart := time.Now()
	completed := 0
	var stepErr error
	var failedStep string
	for _, step := range m.Steps {
		cmd := Command{
			Cmd:     CmdExecStep,
			StepID:  step.ID,
			Driver:  step.Driver,
			CfgPath: step.CfgPath,
			Inputs:  step.Inputs,
		}
		if err := conv.send(cmd); err != nil {
			stepErr, failedStep = err, step.ID
			break
		}
		resp, err := conv.await(runCtx, CmdExecStep)
		if err != nil {
			stepErr, failedStep = err, step.ID
			break
		}
		if !resp.OK {
			stepErr, failedStep = fmt.Errorf("%s", resp.Error), step.ID
			break
		}
		completed++
	}

	if stepErr != nil {
		sess.SetState(core.StateFailed)
	} else {
		sess.SetState(core.StateCleanup)
	}

	// Cleanup runs whether the step loop finished or aborted.
	if err := conv.send(Command{Cmd: CmdCleanup}); err == nil {
		if _, err := conv.await(runCtx, CmdCleanup); err != nil {
			sess.Log().Warn("worker cleanup did not acknowledge", "err", err)
		}
	}
	_ = handle.Wait()

	sess.Metric(core.MetricAdapterExecDuration, time.Since(execStart).Seconds(), "s", nil)

	status := a.fetch(sess, handle, completed, stepErr, failedStep)
	sess.Metric(core.MetricAdapterExitCode, float64(status.ExitCode), "", nil)
	return status
}

// abort tears the sandbox down after a protocol failure and reports it.
func (a *ProxyAdapter) abort(sess *session.Session, handle SandboxHandle, completed int, err error) core.Status {
	sess.Log().Error("remote run aborted", "err", err)
	_ = handle.Close()
	return failStatus(completed, err)
}

// fetch pulls the worker's session output out of the sandbox: the status
// record (authoritative when present) and the artifact tree.
func (a *ProxyAdapter) fetch(sess *session.Session, handle SandboxHandle, completed int, stepErr error, failedStep string) core.Status {
	workerDir := filepath.Join(handle.Dir(), "logs", sess.ID())

	copyStart := time.Now()
	files, bytes, copyErr := copyTree(filepath.Join(workerDir, "artifacts"), filepath.Join(sess.Dir(), "artifacts"))
	if copyErr != nil {
		sess.Log().Warn("artifact fetch incomplete", "err", copyErr)
	}
	if files > 0 {
		sess.Metric(core.MetricArtifactsCopyMS, float64(time.Since(copyStart).Milliseconds()), "ms", nil)
		sess.Metric(core.MetricArtifactsFilesTotal, float64(files), "files", nil)
		sess.Metric(core.MetricArtifactsBytesTotal, float64(bytes), "bytes", nil)
	}

	status, err := readWorkerStatus(filepath.Join(workerDir, "status.json"))
	if err != nil {
		sess.Event(core.EventStatusContractViolation, map[string]any{"error": err.Error()})
		return core.Status{
			OK:             false,
			StepsCompleted: completed,
			ExitCode:       core.ExitRuntime,
			FailedStep:     failedStep,
			Error:          "status_contract_violation",
			TailOfStderr:   tailOf(sess.DebugLogPath()),
		}
	}
	if stepErr != nil && status.OK {
		// A worker must not claim success after a failed exec_step.
		sess.Event(core.EventStatusContractViolation, map[string]any{"error": "worker status contradicts step failure"})
		failed := failStatusNamed(completed, failedStep, stepErr)
		failed.TailOfStderr = tailOf(sess.DebugLogPath())
		return failed
	}
	return *status
}

// tailOf returns the last stretch of a log file for status context.
func tailOf(path string) string {
	const tailBytes = 2048
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return ""
	}
	if len(data) > tailBytes {
		data = data[len(data)-tailBytes:]
	}
	return string(data)
}

func readWorkerStatus(path string) (*core.Status, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	var status core.Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parse worker status: %w", err)
	}
	return &status, nil
}

// uploadArtifacts copies the compiled artifact set into the sandbox
// workspace, and mirrors the config files into the host session so the two
// adapters leave byte-identical cfg/ trees. The materialization events are
// emitted by the worker and mirrored back.
func uploadArtifacts(sess *session.Session, m *core.Manifest, compiledDir, sandboxDir string) error {
	if err := os.MkdirAll(filepath.Join(sandboxDir, "cfg"), 0o750); err != nil {
		return err
	}
	hostCfg, err := sess.CfgDir()
	if err != nil {
		return err
	}

	for _, step := range m.Steps {
		src := filepath.Join(compiledDir, filepath.FromSlash(step.CfgPath))
		if !fileutil.FileExists(src) {
			return fmt.Errorf("config for step %s not found at %s", step.ID, src)
		}
		if _, err := fileutil.CopyFile(src, filepath.Join(sandboxDir, filepath.FromSlash(step.CfgPath))); err != nil {
			return fmt.Errorf("upload config for step %s: %w", step.ID, err)
		}
		if _, err := fileutil.CopyFile(src, filepath.Join(hostCfg, step.ID+".json")); err != nil {
			return err
		}
	}

	src := filepath.Join(compiledDir, "manifest.yaml")
	if _, err := fileutil.CopyFile(src, filepath.Join(sandboxDir, "manifest.yaml")); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	if _, err := fileutil.CopyFile(src, filepath.Join(sess.Dir(), "manifest.yaml")); err != nil {
		return err
	}

	// Compile metadata travels too so the worker reports the same stripped
	// meta keys the local adapter would.
	if meta := filepath.Join(compiledDir, "meta.json"); fileutil.FileExists(meta) {
		if _, err := fileutil.CopyFile(meta, filepath.Join(sandboxDir, "meta.json")); err != nil {
			return err
		}
	}
	return nil
}

// conversation is one host side of the command stream.
type conversation struct {
	sess    *session.Session
	encoder *json.Encoder
	scanner *bufio.Scanner
}

func (c *conversation) send(cmd Command) error {
	if err := c.encoder.Encode(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Cmd, err)
	}
	return nil
}

// await reads stdout records until the response for the given command
// arrives, mirroring event, metric, and log records into the host session as
// they pass.
func (c *conversation) await(ctx context.Context, cmd string) (*Record, error) {
	for c.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record := ClassifyLine(c.scanner.Bytes())
		switch record.Type {
		case RecordResponse:
			if record.Cmd != cmd {
				return nil, fmt.Errorf("worker answered %q while awaiting %q", record.Cmd, cmd)
			}
			return &record, nil
		case RecordEvent:
			c.mirrorEvent(record.Payload)
		case RecordMetric:
			c.mirrorMetric(record.Payload)
		case RecordLog:
			c.sess.Log().Debug("worker: " + record.Message)
		}
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read worker stdout: %w", err)
	}
	return nil, fmt.Errorf("worker stream closed while awaiting %q", cmd)
}

func (c *conversation) mirrorEvent(payload json.RawMessage) {
	var record map[string]any
	if err := json.Unmarshal(payload, &record); err != nil {
		return
	}
	name, _ := record["event"].(string)
	// The host session already recorded its own initialization.
	if name == "" || name == core.EventSessionInitialized {
		return
	}
	delete(record, "ts")
	delete(record, "session")
	delete(record, "event")
	c.sess.Event(name, record)
}

func (c *conversation) mirrorMetric(payload json.RawMessage) {
	var record map[string]any
	if err := json.Unmarshal(payload, &record); err != nil {
		return
	}
	name, _ := record["metric"].(string)
	value, _ := record["value"].(float64)
	if name == "" {
		return
	}
	unit, _ := record["unit"].(string)
	tags, _ := record["tags"].(map[string]any)
	c.sess.Metric(name, value, unit, tags)
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner
}

// copyTree copies src into dst recursively, returning file count and bytes.
func copyTree(src, dst string) (files int, bytes int64, err error) {
	info, statErr := os.Stat(src)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, 0, nil
		}
		return 0, 0, statErr
	}
	if !info.IsDir() {
		n, err := fileutil.CopyFile(src, dst)
		return 1, n, err
	}

	err = filepath.WalkDir(src, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		n, copyErr := fileutil.CopyFile(path, target)
		if copyErr != nil {
			return copyErr
		}
		files++
		bytes += n
		return nil
	})
	return files, bytes, err
}

func failStatus(completed int, err error) core.Status {
	return core.Status{OK: false, StepsCompleted: completed, ExitCode: core.ExitRuntime, Error: err.Error()}
}

func failStatusNamed(completed int, failedStep string, err error) core.Status {
	status := failStatus(completed, err)
	status.FailedStep = failedStep
	return status
}

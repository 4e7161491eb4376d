package runner_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris-sub003/internal/common/fileutil"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/runner"
	"github.com/keboola/osiris-sub003/internal/worker"
)

// inprocSandbox backs the remote adapter with a worker goroutine instead of a
// subprocess, wired over in-memory pipes. The protocol and the filesystem
// contract are exactly those of a real sandbox.
type inprocSandbox struct{}

func (s *inprocSandbox) Open(ctx context.Context, opts runner.SandboxOptions) (runner.SandboxHandle, error) {
	dir, err := os.MkdirTemp("", "osiris-inproc-*")
	if err != nil {
		return nil, err
	}

	cmdR, cmdW := io.Pipe()
	outR, outW := io.Pipe()
	h := &inprocHandle{dir: dir, stdin: cmdW, stdout: outR, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer outW.Close()
		_ = worker.Serve(ctx, worker.Options{Dir: dir, Stdin: cmdR, Stdout: outW})
	}()
	return h, nil
}

type inprocHandle struct {
	dir    string
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	done   chan struct{}
}

func (h *inprocHandle) Dir() string       { return h.dir }
func (h *inprocHandle) Stdin() io.Writer  { return h.stdin }
func (h *inprocHandle) Stdout() io.Reader { return h.stdout }

func (h *inprocHandle) Wait() error {
	h.stdin.Close()
	<-h.done
	return nil
}

func (h *inprocHandle) Close() error {
	h.stdin.Close()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
	return os.RemoveAll(h.dir)
}

func runAdapter(t *testing.T, compiledDir string, kind runner.AdapterKind, sandbox runner.Sandbox) (string, *runner.RunResult) {
	t.Helper()
	root := t.TempDir()
	result, err := runner.Run(context.Background(), runner.Options{
		ManifestPath: compiledDir,
		Adapter:      kind,
		SessionRoot:  root,
		Sandbox:      sandbox,
	})
	require.NoError(t, err)
	return filepath.Join(root, result.SessionID), result
}

func filteredEventMultiset(t *testing.T, sessionDir string) []string {
	t.Helper()
	names := eventNames(readRecords(t, filepath.Join(sessionDir, "events.jsonl")))
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, "dependency_") {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func TestAdapterParity(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "secret123")
	compiled, _ := compileMinimal(t)

	localDir, localResult := runAdapter(t, compiled, runner.AdapterLocal, nil)
	remoteDir, remoteResult := runAdapter(t, compiled, runner.AdapterRemote, &inprocSandbox{})

	assert.True(t, localResult.Status.OK)
	assert.True(t, remoteResult.Status.OK)

	// Byte-identical materialized configs.
	localSHA, err := fileutil.SHA256File(filepath.Join(localDir, "cfg", "extract-users.json"))
	require.NoError(t, err)
	remoteSHA, err := fileutil.SHA256File(filepath.Join(remoteDir, "cfg", "extract-users.json"))
	require.NoError(t, err)
	assert.Equal(t, localSHA, remoteSHA)

	// Same observable event record, modulo dependency bookkeeping.
	assert.Equal(t,
		filteredEventMultiset(t, localDir),
		filteredEventMultiset(t, remoteDir))

	// Same row totals.
	localMetrics := readRecords(t, filepath.Join(localDir, "metrics.jsonl"))
	remoteMetrics := readRecords(t, filepath.Join(remoteDir, "metrics.jsonl"))
	assert.Equal(t, metricTotal(localMetrics, core.MetricRowsRead), metricTotal(remoteMetrics, core.MetricRowsRead))
	assert.Equal(t, metricTotal(localMetrics, core.MetricRowsWritten), metricTotal(remoteMetrics, core.MetricRowsWritten))

	// Both runs fetched the artifact.
	for _, dir := range []string{localDir, remoteDir} {
		assert.FileExists(t, filepath.Join(dir, "artifacts", "write-users-csv", "users.csv"))
	}

	assert.True(t, readStatus(t, localDir).OK)
	assert.True(t, readStatus(t, remoteDir).OK)

	// The secret never reaches the remote session record either.
	for _, name := range []string{"events.jsonl", "metrics.jsonl", "cfg/extract-users.json"} {
		data, err := os.ReadFile(filepath.Join(remoteDir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "secret123", name)
	}
}

// crashSandbox simulates a worker killed after step_start of the second step:
// it answers prepare and the first exec_step, emits one step_start event for
// the second step, then the stream dies without a status record.
type crashSandbox struct {
	sessionID string
}

func (s *crashSandbox) Open(ctx context.Context, opts runner.SandboxOptions) (runner.SandboxHandle, error) {
	dir, err := os.MkdirTemp("", "osiris-crash-*")
	if err != nil {
		return nil, err
	}

	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		enc := json.NewEncoder(outW)
		_ = enc.Encode(runner.Record{Type: runner.RecordResponse, Cmd: runner.CmdPrepare, OK: true})
		_ = enc.Encode(runner.Record{Type: runner.RecordResponse, Cmd: runner.CmdExecStep, StepID: "extract-users", OK: true})

		payload, _ := json.Marshal(map[string]any{
			"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			"session": s.sessionID,
			"event":   core.EventStepStart,
			"step_id": "write-users-csv",
		})
		_ = enc.Encode(runner.Record{Type: runner.RecordEvent, Payload: payload})
	}()

	return &crashHandle{dir: dir, stdout: outR}, nil
}

type crashHandle struct {
	dir    string
	stdout *io.PipeReader
}

func (h *crashHandle) Dir() string       { return h.dir }
func (h *crashHandle) Stdin() io.Writer  { return io.Discard }
func (h *crashHandle) Stdout() io.Reader { return h.stdout }
func (h *crashHandle) Wait() error       { return nil }
func (h *crashHandle) Close() error      { return os.RemoveAll(h.dir) }

func TestWorkerCrashBeforeStatus(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "secret123")
	compiled, _ := compileMinimal(t)

	root := t.TempDir()
	result, err := runner.Run(context.Background(), runner.Options{
		ManifestPath: compiled,
		Adapter:      runner.AdapterRemote,
		SessionRoot:  root,
		Sandbox:      &crashSandbox{},
	})
	require.NoError(t, err)
	assert.False(t, result.Status.OK)
	assert.Equal(t, "status_contract_violation", result.Status.Error)

	sessionDir := filepath.Join(root, result.SessionID)
	names := eventNames(readRecords(t, filepath.Join(sessionDir, "events.jsonl")))
	assert.Contains(t, names, core.EventStatusContractViolation)
	// The mirrored step_start from before the crash is preserved.
	assert.Contains(t, names, core.EventStepStart)

	status := readStatus(t, sessionDir)
	assert.False(t, status.OK)
	assert.Equal(t, "status_contract_violation", status.Error)
}

package runner_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris-sub003/internal/common/logger"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/driver"
	"github.com/keboola/osiris-sub003/internal/runner"
	"github.com/keboola/osiris-sub003/internal/session"
)

// flakyDriver fails a configured number of attempts before succeeding. The
// counter is shared across instances because the engine constructs a fresh
// driver per attempt.
type flakyDriver struct {
	calls    *atomic.Int32
	failures int32
}

func (d *flakyDriver) Run(_ context.Context, req *driver.Request) (driver.Outputs, error) {
	call := d.calls.Add(1)
	if call <= d.failures {
		return nil, fmt.Errorf("transient failure %d", call)
	}
	return driver.Outputs{"out": "done"}, nil
}

type sleepyDriver struct{ d time.Duration }

func (s *sleepyDriver) Run(ctx context.Context, _ *driver.Request) (driver.Outputs, error) {
	select {
	case <-time.After(s.d):
		return driver.Outputs{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Seal(core.Status{}) })
	return s
}

func TestExecStepRetries(t *testing.T) {
	calls := &atomic.Int32{}
	driver.Register("flaky.component", func() driver.Driver {
		return &flakyDriver{calls: calls, failures: 1}
	})

	sess := newSession(t)
	step := core.ManifestStep{
		ID:     "flaky-step",
		Driver: "flaky.component@0.1.0",
		Retry:  core.RetryPolicy{Max: 2, Backoff: core.BackoffNone, DelayMS: 1},
	}

	outputs, err := runner.ExecStep(context.Background(), sess, nil, step, map[string]any{}, runner.OutputStore{})
	require.NoError(t, err)
	assert.Equal(t, "done", outputs["out"])
	assert.Equal(t, int32(2), calls.Load())

	events := readRecords(t, filepath.Join(sess.Dir(), "events.jsonl"))
	var starts, failures, completes int
	var failAttempt, completeAttempt float64
	for _, e := range events {
		switch e["event"] {
		case core.EventStepStart:
			starts++
		case core.EventStepFailed:
			failures++
			failAttempt = e["attempt"].(float64)
		case core.EventStepComplete:
			completes++
			completeAttempt = e["attempt"].(float64)
		}
	}
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, completes)
	assert.Equal(t, 1.0, failAttempt)
	assert.Equal(t, 2.0, completeAttempt)
}

func TestExecStepRetriesExhausted(t *testing.T) {
	calls := &atomic.Int32{}
	driver.Register("hopeless.component", func() driver.Driver {
		return &flakyDriver{calls: calls, failures: 99}
	})

	sess := newSession(t)
	step := core.ManifestStep{
		ID:     "hopeless-step",
		Driver: "hopeless.component@0.1.0",
		Retry:  core.RetryPolicy{Max: 1, Backoff: core.BackoffLinear, DelayMS: 1},
	}

	_, err := runner.ExecStep(context.Background(), sess, nil, step, map[string]any{}, runner.OutputStore{})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecStepTimeout(t *testing.T) {
	driver.Register("slow.component", func() driver.Driver {
		return &sleepyDriver{d: 2 * time.Second}
	})

	sess := newSession(t)
	step := core.ManifestStep{
		ID:      "slow-step",
		Driver:  "slow.component@0.1.0",
		Timeout: "50ms",
	}

	start := time.Now()
	_, err := runner.ExecStep(context.Background(), sess, nil, step, map[string]any{}, runner.OutputStore{})
	require.ErrorIs(t, err, core.ErrStepTimeout)
	assert.Less(t, time.Since(start), time.Second)

	events := readRecords(t, filepath.Join(sess.Dir(), "events.jsonl"))
	for _, e := range events {
		if e["event"] == core.EventStepFailed {
			assert.Equal(t, "E_STEP_TIMEOUT", e["error_type"])
		}
	}
}

func TestExecStepMissingInput(t *testing.T) {
	sess := newSession(t)
	step := core.ManifestStep{
		ID:     "wants-input",
		Driver: "flaky.component@0.1.0",
		Inputs: map[string]core.InputRef{"df": {FromStep: "ghost", Key: "df"}},
	}

	_, err := runner.ExecStep(context.Background(), sess, nil, step, map[string]any{}, runner.OutputStore{})
	require.ErrorIs(t, err, core.ErrInputMissing)
}

// Connection resolution is step preamble: its events precede the first
// step_start, like artifacts_dir_created. Attempt-scoped events always follow
// their attempt's step_start.
func TestExecStepConnectionEventOrder(t *testing.T) {
	t.Setenv("ORDER_PASSWORD", "orderly-secret")
	calls := &atomic.Int32{}
	driver.Register("conn.component", func() driver.Driver {
		return &flakyDriver{calls: calls, failures: 0}
	})

	sess := newSession(t)
	step := core.ManifestStep{ID: "conn-step", Driver: "conn.component@0.1.0"}
	cfg := map[string]any{
		"resolved_connection": map[string]any{"password": "${ORDER_PASSWORD}"},
	}

	_, err := runner.ExecStep(context.Background(), sess, nil, step, cfg, runner.OutputStore{})
	require.NoError(t, err)

	events := readRecords(t, filepath.Join(sess.Dir(), "events.jsonl"))
	index := map[string]int{}
	for i, e := range events {
		if name, ok := e["event"].(string); ok {
			if _, seen := index[name]; !seen {
				index[name] = i
			}
		}
	}
	require.Contains(t, index, core.EventConnectionResolveStart)
	require.Contains(t, index, core.EventConnectionResolveComplete)
	assert.Less(t, index[core.EventConnectionResolveStart], index[core.EventConnectionResolveComplete])
	assert.Less(t, index[core.EventConnectionResolveComplete], index[core.EventStepStart])
	assert.Less(t, index[core.EventArtifactsDirCreated], index[core.EventStepStart])
}

// leakyDriver echoes the substituted connection password in its error, the
// worst case for the session record.
type leakyDriver struct{}

func (leakyDriver) Run(_ context.Context, req *driver.Request) (driver.Outputs, error) {
	conn, _ := req.Config["resolved_connection"].(map[string]any)
	return nil, fmt.Errorf("connect refused for password %q", conn["password"])
}

func TestExecStepMasksSecretInLogs(t *testing.T) {
	t.Setenv("LEAK_PASSWORD", "hunter2secret")
	driver.Register("leaky.component", func() driver.Driver { return leakyDriver{} })

	sess, err := session.New(t.TempDir(), session.WithDebug())
	require.NoError(t, err)

	step := core.ManifestStep{
		ID:     "leaky-step",
		Driver: "leaky.component@0.1.0",
		Retry:  core.RetryPolicy{Max: 1, Backoff: core.BackoffNone, DelayMS: 1},
	}
	cfg := map[string]any{
		"resolved_connection": map[string]any{"password": "${LEAK_PASSWORD}"},
	}

	// The retry path logs the raw driver error into the human log.
	ctx := logger.WithLogger(context.Background(), sess.Log())
	_, err = runner.ExecStep(ctx, sess, nil, step, cfg, runner.OutputStore{})
	require.Error(t, err)
	require.NoError(t, sess.Seal(core.Status{OK: false, ExitCode: core.ExitRuntime, Error: err.Error()}))

	for _, name := range []string{"events.jsonl", "osiris.log", "status.json"} {
		data, err := os.ReadFile(filepath.Join(sess.Dir(), name))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hunter2secret", name)
	}
	log, err := os.ReadFile(filepath.Join(sess.Dir(), "osiris.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "***")
}

func TestOutputStoreResolve(t *testing.T) {
	store := runner.OutputStore{"a": driver.Outputs{"df": 42}}

	v, err := store.Resolve(core.InputRef{FromStep: "a", Key: "df"})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = store.Resolve(core.InputRef{FromStep: "a", Key: "nope"})
	assert.ErrorIs(t, err, core.ErrInputMissing)
	_, err = store.Resolve(core.InputRef{FromStep: "b", Key: "df"})
	assert.ErrorIs(t, err, core.ErrInputMissing)
}

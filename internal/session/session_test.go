package session_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/secrets"
	"github.com/keboola/osiris-sub003/internal/session"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record), line)
		out = append(out, record)
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	root := t.TempDir()
	s, err := session.New(root)
	require.NoError(t, err)

	assert.Regexp(t, `^run_\d+$`, s.ID())
	assert.Equal(t, filepath.Join(root, s.ID()), s.Dir())

	s.Event(core.EventRunStart, map[string]any{"pipeline": "p"})
	s.Metric(core.MetricRowsRead, 3, "rows", map[string]any{"step": "s1"})

	require.NoError(t, s.Seal(core.Status{OK: true, StepsCompleted: 2, ExitCode: 0}))

	events := readLines(t, filepath.Join(s.Dir(), "events.jsonl"))
	require.NotEmpty(t, events)
	assert.Equal(t, core.EventSessionInitialized, events[0]["event"])
	assert.Equal(t, s.ID(), events[0]["session"])

	var names []string
	for _, e := range events {
		names = append(names, e["event"].(string))
	}
	assert.Contains(t, names, core.EventRunStart)

	metrics := readLines(t, filepath.Join(s.Dir(), "metrics.jsonl"))
	require.NotEmpty(t, metrics)
	assert.Equal(t, core.MetricRowsRead, metrics[0]["metric"])
	assert.Equal(t, float64(3), metrics[0]["value"])

	var status core.Status
	data, err := os.ReadFile(filepath.Join(s.Dir(), "status.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &status))
	assert.True(t, status.OK)
	assert.Equal(t, 2, status.StepsCompleted)
	assert.Equal(t, 0, status.ExitCode)
}

func TestSealIsIdempotent(t *testing.T) {
	s, err := session.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Seal(core.Status{OK: true, StepsCompleted: 1}))
	require.NoError(t, s.Seal(core.Status{OK: false, ExitCode: 4}))

	var status core.Status
	data, err := os.ReadFile(filepath.Join(s.Dir(), "status.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &status))
	// First seal wins.
	assert.True(t, status.OK)
}

func TestScopedEventMasking(t *testing.T) {
	s, err := session.New(t.TempDir())
	require.NoError(t, err)
	defer s.Seal(core.Status{}) //nolint:errcheck

	policy := secrets.NewPolicy([]string{"resolved_connection/password"}, secrets.StrategyMask, "")
	scope := s.Scope("extract-users", policy)
	scope.LogEvent(core.EventStepStart, map[string]any{
		"step_id": "extract-users",
		"resolved_connection": map[string]any{
			"host":     "db.example.com",
			"password": "hunter2",
		},
	})

	data, err := os.ReadFile(filepath.Join(s.Dir(), "events.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), secrets.DefaultMask)
}

func TestRunMasker(t *testing.T) {
	s, err := session.New(t.TempDir())
	require.NoError(t, err)
	defer s.Seal(core.Status{}) //nolint:errcheck

	s.AddSecrets("s3cr3t-value")
	s.Event(core.EventEnvLoaded, map[string]any{"detail": "loaded s3cr3t-value from env"})

	data, err := os.ReadFile(filepath.Join(s.Dir(), "events.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cr3t-value")
}

func TestArtifactsDir(t *testing.T) {
	s, err := session.New(t.TempDir())
	require.NoError(t, err)
	defer s.Seal(core.Status{}) //nolint:errcheck

	dir1, err := s.ArtifactsDir("write-users-csv")
	require.NoError(t, err)
	dir2, err := s.ArtifactsDir("write-users-csv")
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)
	assert.DirExists(t, dir1)

	events := readLines(t, filepath.Join(s.Dir(), "events.jsonl"))
	created := 0
	for _, e := range events {
		if e["event"] == core.EventArtifactsDirCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestPinnedIDAndEnvOverlay(t *testing.T) {
	s, err := session.New(t.TempDir(), session.WithID("run_1234"), session.WithEnv(map[string]string{
		"MYSQL_PASSWORD": "overlay",
	}))
	require.NoError(t, err)
	defer s.Seal(core.Status{}) //nolint:errcheck

	assert.Equal(t, "run_1234", s.ID())
	v, ok := s.Env("MYSQL_PASSWORD")
	require.True(t, ok)
	assert.Equal(t, "overlay", v)
}

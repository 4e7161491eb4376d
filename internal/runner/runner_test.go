package runner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris-sub003/internal/common/fileutil"
	"github.com/keboola/osiris-sub003/internal/compiler"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/driver"
	_ "github.com/keboola/osiris-sub003/internal/driver/builtin" // csv writer
	"github.com/keboola/osiris-sub003/internal/oml"
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/runner"
	"github.com/keboola/osiris-sub003/internal/test"
)

// stubExtractor stands in for mysql.extractor: it checks that the engine
// substituted the connection secret and returns a fixed three-row table.
type stubExtractor struct{}

func (stubExtractor) Run(_ context.Context, req *driver.Request) (driver.Outputs, error) {
	conn, ok := req.Config["resolved_connection"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved_connection missing")
	}
	password, _ := conn["password"].(string)
	if password == "" || strings.HasPrefix(password, "${") {
		return nil, fmt.Errorf("password was not substituted: %q", password)
	}

	table := &core.Table{
		Columns: []string{"id"},
		Rows:    [][]any{{1}, {2}, {3}},
	}
	req.Run.LogMetric(core.MetricRowsRead, float64(table.RowCount()), "rows",
		map[string]any{"step": req.StepID})
	return driver.Outputs{"df": table}, nil
}

func init() {
	// Override the builtin so tests do not need a live MySQL server.
	driver.Register("mysql.extractor", func() driver.Driver { return stubExtractor{} })
}

// compileMinimal compiles the reference pipeline into a fresh directory.
func compileMinimal(t *testing.T) (string, *registry.Registry) {
	t.Helper()
	doc, err := oml.Load([]byte(test.MinimalOML))
	require.NoError(t, err)

	reg := test.NewRegistry(t)
	res, err := compiler.Compile(context.Background(), compiler.Options{
		Document: doc,
		Registry: reg,
		Catalog:  test.NewCatalog(t),
	})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "compiled")
	require.NoError(t, res.Write(dir))
	return dir, reg
}

func readRecords(t *testing.T, path string) []map[string]any {
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

func eventNames(records []map[string]any) []string {
	var names []string
	for _, r := range records {
		if name, ok := r["event"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func metricTotal(records []map[string]any, name string) float64 {
	total := 0.0
	for _, r := range records {
		if r["metric"] == name {
			total += r["value"].(float64)
		}
	}
	return total
}

func readStatus(t *testing.T, sessionDir string) core.Status {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(sessionDir, "status.json"))
	require.NoError(t, err)
	var status core.Status
	require.NoError(t, json.Unmarshal(data, &status))
	return status
}

func TestLocalRun(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "secret123")
	compiled, reg := compileMinimal(t)
	root := t.TempDir()

	result, err := runner.Run(context.Background(), runner.Options{
		ManifestPath: compiled,
		Adapter:      runner.AdapterLocal,
		SessionRoot:  root,
		Registry:     reg,
	})
	require.NoError(t, err)
	assert.True(t, result.Status.OK)
	assert.Equal(t, 2, result.Status.StepsCompleted)
	assert.Equal(t, 0, result.Status.ExitCode)

	sessionDir := filepath.Join(root, result.SessionID)
	events := readRecords(t, filepath.Join(sessionDir, "events.jsonl"))
	names := eventNames(events)

	counts := map[string]int{}
	for _, n := range names {
		counts[n]++
	}
	assert.Equal(t, 1, counts[core.EventRunStart])
	assert.Equal(t, 1, counts[core.EventAdapterSelected])
	assert.Equal(t, 2, counts[core.EventCfgMaterialized])
	assert.Equal(t, 1, counts[core.EventManifestMaterialized])
	assert.Equal(t, 2, counts[core.EventStepStart])
	assert.Equal(t, 2, counts[core.EventStepComplete])
	assert.Equal(t, 1, counts[core.EventRunComplete])
	assert.Zero(t, counts[core.EventStepFailed])

	metrics := readRecords(t, filepath.Join(sessionDir, "metrics.jsonl"))
	assert.Equal(t, 3.0, metricTotal(metrics, core.MetricRowsRead))
	assert.Equal(t, 3.0, metricTotal(metrics, core.MetricRowsWritten))

	csv, err := os.ReadFile(filepath.Join(sessionDir, "artifacts", "write-users-csv", "users.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "1", "2", "3"}, strings.Split(strings.TrimSpace(string(csv)), "\n"))

	status := readStatus(t, sessionDir)
	assert.Equal(t, core.Status{OK: true, StepsCompleted: 2, ExitCode: 0}, status)

	// The secret value appears nowhere in the session record except the
	// process memory it was read into.
	for _, name := range []string{"events.jsonl", "metrics.jsonl", "osiris.log", "status.json", "manifest.yaml", "cfg/extract-users.json"} {
		data, err := os.ReadFile(filepath.Join(sessionDir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "secret123", name)
	}
}

func TestLocalRunMissingEnv(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "placeholder")
	os.Unsetenv("MYSQL_PASSWORD")

	compiled, reg := compileMinimal(t)
	root := t.TempDir()

	result, err := runner.Run(context.Background(), runner.Options{
		ManifestPath: compiled,
		Adapter:      runner.AdapterLocal,
		SessionRoot:  root,
		Registry:     reg,
	})
	require.NoError(t, err)
	assert.False(t, result.Status.OK)
	assert.Equal(t, "extract-users", result.Status.FailedStep)
	assert.Equal(t, core.ExitRuntime, result.Status.ExitCode)
	assert.Contains(t, result.Status.Error, "E_ENV_MISSING")

	sessionDir := filepath.Join(root, result.SessionID)
	events := readRecords(t, filepath.Join(sessionDir, "events.jsonl"))
	names := eventNames(events)
	assert.Contains(t, names, core.EventStepFailed)
	assert.NotContains(t, names, core.EventRunComplete)

	// The failed step's artifact directory exists and is empty.
	entries, err := os.ReadDir(filepath.Join(sessionDir, "artifacts", "extract-users"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	status := readStatus(t, sessionDir)
	assert.False(t, status.OK)
	assert.Equal(t, "extract-users", status.FailedStep)
	assert.Equal(t, core.ExitRuntime, status.ExitCode)
}

func TestRunSealsOnUnknownDriver(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "secret123")
	compiled, reg := compileMinimal(t)

	// Re-point one manifest step at a component with no driver.
	manifestPath := filepath.Join(compiled, "manifest.yaml")
	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	mutated := strings.ReplaceAll(string(data), "mysql.extractor@0.1.0", "oracle.extractor@0.1.0")
	require.NoError(t, os.WriteFile(manifestPath, []byte(mutated), 0o600))

	root := t.TempDir()
	result, err := runner.Run(context.Background(), runner.Options{
		ManifestPath: compiled,
		Adapter:      runner.AdapterLocal,
		SessionRoot:  root,
		Registry:     reg,
	})
	require.NoError(t, err)
	assert.False(t, result.Status.OK)

	sessionDir := filepath.Join(root, result.SessionID)
	assert.True(t, fileutil.FileExists(filepath.Join(sessionDir, "status.json")))

	events := readRecords(t, filepath.Join(sessionDir, "events.jsonl"))
	assert.Contains(t, eventNames(events), core.EventDriverRegistrationFailed)
}

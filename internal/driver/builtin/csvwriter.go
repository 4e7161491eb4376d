package builtin

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/driver"
)

func init() {
	driver.Register("filesystem.csv_writer", func() driver.Driver { return &csvWriter{} })
}

// csvWriter materializes the "df" input as a CSV file in the step's artifact
// directory.
type csvWriter struct{}

func (d *csvWriter) Run(ctx context.Context, req *driver.Request) (driver.Outputs, error) {
	path, _ := req.Config["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("step %s: path is required", req.StepID)
	}

	input, ok := req.Inputs["df"]
	if !ok {
		return nil, fmt.Errorf("%w: step %s has no df input", core.ErrInputMissing, req.StepID)
	}
	table, ok := core.AsTable(input)
	if !ok {
		return nil, fmt.Errorf("%w: step %s input df is not tabular", core.ErrInputType, req.StepID)
	}

	dir, err := req.Run.ArtifactsDir()
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", req.StepID, err)
	}
	target := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return nil, fmt.Errorf("step %s: %w", req.StepID, err)
	}

	if err := writeCSV(target, table, req.Config); err != nil {
		return nil, fmt.Errorf("step %s: %w", req.StepID, err)
	}

	req.Run.LogMetric(core.MetricRowsWritten, float64(table.RowCount()), "rows",
		map[string]any{"step": req.StepID})
	req.Run.LogEvent(core.EventArtifactCreated, map[string]any{
		"step_id": req.StepID,
		"path":    path,
		"rows":    table.RowCount(),
	})
	return driver.Outputs{}, nil
}

func writeCSV(target string, table *core.Table, cfg map[string]any) error {
	f, err := os.Create(target) //nolint:gosec
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if delim, _ := cfg["delimiter"].(string); len(delim) == 1 {
		w.Comma = rune(delim[0])
	}

	header := true
	if h, ok := cfg["header"].(bool); ok {
		header = h
	}
	if header {
		if err := w.Write(table.Columns); err != nil {
			return err
		}
	}

	record := make([]string, len(table.Columns))
	for _, row := range table.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) && row[i] != nil {
				record[i] = fmt.Sprintf("%v", row[i])
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

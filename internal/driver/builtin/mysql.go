// Package builtin holds the reference drivers: a tabular SQL extractor and a
// CSV file writer. Importing the package registers both.
package builtin

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/driver"
)

func init() {
	driver.Register("mysql.extractor", func() driver.Driver { return &mysqlExtractor{} })
}

// mysqlExtractor runs a query against a MySQL endpoint described by the
// resolved connection and returns the result set as a table under the "df"
// output key.
type mysqlExtractor struct {
	// openDB is swapped in tests to avoid a live server.
	openDB func(dsn string) (*sql.DB, error)
}

func (d *mysqlExtractor) Run(ctx context.Context, req *driver.Request) (driver.Outputs, error) {
	query, _ := req.Config["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("step %s: query is required", req.StepID)
	}

	dsn, err := buildDSN(req.Config)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", req.StepID, err)
	}

	open := d.openDB
	if open == nil {
		open = func(dsn string) (*sql.DB, error) { return sql.Open("mysql", dsn) }
	}
	db, err := open(dsn)
	if err != nil {
		return nil, fmt.Errorf("step %s: open connection: %w", req.StepID, err)
	}
	defer db.Close()

	table, err := queryTable(ctx, db, query)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", req.StepID, err)
	}

	req.Run.LogMetric(core.MetricRowsRead, float64(table.RowCount()), "rows",
		map[string]any{"step": req.StepID})
	return driver.Outputs{"df": table}, nil
}

// buildDSN assembles a DSN from the resolved_connection mapping. The engine
// has already substituted environment references, so the password field holds
// the actual value here and only here.
func buildDSN(cfg map[string]any) (string, error) {
	conn, ok := cfg["resolved_connection"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("resolved_connection is required")
	}

	mc := mysql.NewConfig()
	mc.Net = "tcp"
	host := str(conn["host"])
	if host == "" {
		return "", fmt.Errorf("resolved_connection.host is required")
	}
	port := str(conn["port"])
	if port == "" {
		port = "3306"
	}
	mc.Addr = host + ":" + port
	mc.User = str(conn["user"])
	mc.Passwd = str(conn["password"])
	mc.DBName = str(conn["database"])
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

func queryTable(ctx context.Context, db *sql.DB, query string) (*core.Table, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	table := &core.Table{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		table.Rows = append(table.Rows, values)
	}
	return table, rows.Err()
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

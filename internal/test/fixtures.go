// Package test provides shared fixtures for package tests: reference
// component specs, a connection catalog, and the minimal read-write pipeline.
package test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris-sub003/internal/connection"
	"github.com/keboola/osiris-sub003/internal/registry"
)

// ExtractorSpecDoc is the mysql.extractor reference component spec.
func ExtractorSpecDoc() map[string]any {
	return map[string]any{
		"name":    "mysql.extractor",
		"version": "0.1.0",
		"modes":   []any{"read", "discover"},
		"capabilities": map[string]any{
			"discover": true,
		},
		"config_schema": map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"connection": map[string]any{"type": "string"},
				"query":      map[string]any{"type": "string"},
				"resolved_connection": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"host":     map[string]any{"type": "string"},
						"port":     map[string]any{"type": "integer"},
						"user":     map[string]any{"type": "string"},
						"password": map[string]any{"type": "string"},
						"database": map[string]any{"type": "string"},
					},
				},
			},
			"additionalProperties": false,
		},
		"secrets": []any{"resolved_connection/password"},
		"connection": map[string]any{
			"family":   "mysql",
			"required": []any{"host", "user", "password"},
		},
	}
}

// WriterSpecDoc is the filesystem.csv_writer reference component spec.
func WriterSpecDoc() map[string]any {
	return map[string]any{
		"name":    "filesystem.csv_writer",
		"version": "0.1.0",
		"modes":   []any{"write"},
		"config_schema": map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path":      map[string]any{"type": "string"},
				"delimiter": map[string]any{"type": "string"},
				"header":    map[string]any{"type": "boolean"},
			},
			"additionalProperties": false,
		},
		"secrets": []any{},
	}
}

// NewRegistry builds a registry loaded with the reference component specs.
func NewRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.AddDoc(ExtractorSpecDoc()))
	require.NoError(t, r.AddDoc(WriterSpecDoc()))
	return r
}

// CatalogYAML is a connection catalog with one mysql alias whose password is
// an environment-variable reference.
const CatalogYAML = `
mysql:
  default:
    host: db.example.com
    port: 3306
    user: osiris
    password: ${MYSQL_PASSWORD}
    database: app
`

// NewCatalog parses the fixture catalog.
func NewCatalog(t *testing.T) *connection.Catalog {
	t.Helper()
	cat, err := connection.LoadCatalog([]byte(CatalogYAML))
	require.NoError(t, err)
	return cat
}

// MinimalOML is the minimal read-to-write pipeline: extract rows over a
// symbolic connection, write them to CSV.
const MinimalOML = `
oml_version: "0.1.0"
name: users-pipeline
steps:
  - id: extract-users
    component: mysql.extractor
    mode: read
    config:
      connection: "@mysql.default"
      query: "SELECT id FROM t"
  - id: write-users-csv
    component: filesystem.csv_writer
    mode: write
    config:
      path: users.csv
    inputs:
      df:
        from_step: extract-users
        key: df
`

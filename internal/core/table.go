package core

import "encoding/json"

// Table is the tabular value passed between steps by reference. The engine
// treats step outputs as opaque; Table is the shape the builtin drivers
// produce and consume.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// RowCount returns the number of data rows.
func (t *Table) RowCount() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// AsTable converts an opaque step output into a *Table when possible. Values
// that crossed a JSON boundary arrive as generic maps and are re-shaped.
func AsTable(v any) (*Table, bool) {
	switch t := v.(type) {
	case *Table:
		return t, true
	case Table:
		return &t, true
	case map[string]any:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		var out Table
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, false
		}
		if out.Columns == nil && out.Rows == nil {
			return nil, false
		}
		return &out, true
	default:
		return nil, false
	}
}

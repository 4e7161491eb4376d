package runner

import (
	"encoding/json"

	"github.com/keboola/osiris-sub003/internal/core"
)

// Proxy protocol: the host writes one Command per line to the worker's stdin;
// the worker answers with Record lines on stdout. Configurations are never
// inlined in a command; they are referenced by path inside the sandbox
// workspace.

// Command names understood by the worker.
const (
	CmdPrepare  = "prepare"
	CmdExecStep = "exec_step"
	CmdCleanup  = "cleanup"
)

// Command is one host-to-worker instruction.
type Command struct {
	Cmd       string                   `json:"cmd"`
	SessionID string                   `json:"session_id,omitempty"`
	Manifest  string                   `json:"manifest,omitempty"`
	// InstallDeps permits the worker to provision missing step dependencies
	// during prepare.
	InstallDeps bool                     `json:"install_deps,omitempty"`
	StepID      string                   `json:"step_id,omitempty"`
	Driver      string                   `json:"driver,omitempty"`
	CfgPath     string                   `json:"cfg_path,omitempty"`
	Inputs      map[string]core.InputRef `json:"inputs,omitempty"`
}

// Record kinds on the worker's stdout.
const (
	RecordResponse = "response"
	RecordEvent    = "event"
	RecordMetric   = "metric"
	RecordLog      = "log"
)

// Record is one worker-to-host line. Event and metric records carry the
// worker's session record verbatim in Payload so the host can mirror it.
type Record struct {
	Type    string          `json:"type"`
	Cmd     string          `json:"cmd,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	StepID  string          `json:"step_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ClassifyLine parses one stdout line. Anything that is not a valid Record is
// treated as a log line.
func ClassifyLine(line []byte) Record {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil || r.Type == "" {
		return Record{Type: RecordLog, Message: string(line)}
	}
	switch r.Type {
	case RecordResponse, RecordEvent, RecordMetric, RecordLog:
		return r
	default:
		return Record{Type: RecordLog, Message: string(line)}
	}
}

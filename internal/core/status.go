package core

// Exit codes for the CLI wrapper.
const (
	ExitOK         = 0
	ExitOMLInvalid = 2
	ExitCompile    = 3
	ExitRuntime    = 4
	ExitResolver   = 5
)

// Status is the final status record of a run, written to status.json exactly
// once when the session is sealed.
type Status struct {
	OK             bool   `json:"ok"`
	StepsCompleted int    `json:"steps_completed"`
	ExitCode       int    `json:"exit_code"`
	FailedStep     string `json:"failed_step,omitempty"`
	Error          string `json:"error,omitempty"`
	TailOfStderr   string `json:"tail_of_stderr,omitempty"`
}

// RunState tracks the lifecycle of a run. The terminal state is always
// StateSealed, which requires status.json to exist on disk.
type RunState string

const (
	StateIdle      RunState = "IDLE"
	StatePreparing RunState = "PREPARING"
	StateRunning   RunState = "RUNNING"
	StateCleanup   RunState = "CLEANUP"
	StateFailed    RunState = "FAILED"
	StateSealed    RunState = "SEALED"
)

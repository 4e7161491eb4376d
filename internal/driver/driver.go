// Package driver defines the contract between the execution engine and step
// implementations, and keeps a process-wide registry of driver factories.
//
// A driver is stateless between invocations; the engine constructs a fresh
// instance for every step. The engine substitutes environment references in
// the configuration before invoking Run, so drivers see plain values and must
// never persist them.
package driver

import (
	"context"
)

// Outputs maps output key to a produced value. Extractors and transforms emit
// tabular values; writers emit nothing.
type Outputs map[string]any

// Request carries everything a driver needs for one step invocation.
type Request struct {
	StepID string
	Config map[string]any
	Inputs map[string]any
	Run    RunContext
}

// RunContext is the driver-facing slice of the session. It deliberately does
// not expose the raw session state.
type RunContext interface {
	// LogEvent appends a structured event to the session event log.
	LogEvent(name string, fields map[string]any)
	// LogMetric appends a numeric metric to the session metric log.
	LogMetric(name string, value float64, unit string, tags map[string]any)
	// ArtifactsDir returns the step's artifact directory, creating it on
	// first use.
	ArtifactsDir() (string, error)
	// Env returns the value of an environment variable visible to the run.
	Env(name string) (string, bool)
}

// Driver executes one compiled step.
type Driver interface {
	Run(ctx context.Context, req *Request) (Outputs, error)
}

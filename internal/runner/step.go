package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/keboola/osiris-sub003/internal/common/backoff"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/driver"
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/secrets"
	"github.com/keboola/osiris-sub003/internal/session"
)

// OutputStore keeps step outputs in memory, keyed by producing step id.
type OutputStore map[string]driver.Outputs

// Resolve fetches the value for one compiled input reference.
func (o OutputStore) Resolve(ref core.InputRef) (any, error) {
	outputs, ok := o[ref.FromStep]
	if !ok {
		return nil, fmt.Errorf("%w: step %q produced no outputs", core.ErrInputMissing, ref.FromStep)
	}
	value, ok := outputs[ref.Key]
	if !ok {
		return nil, fmt.Errorf("%w: step %q has no output %q", core.ErrInputMissing, ref.FromStep, ref.Key)
	}
	return value, nil
}

// ExecStep runs one manifest step to completion: environment substitution,
// input wiring, per-attempt timeout, and the step's declared retry policy.
// One step_start and one step_complete or step_failed is emitted per attempt,
// each carrying the attempt counter.
func ExecStep(ctx context.Context, sess *session.Session, reg *registry.Registry,
	step core.ManifestStep, cfg map[string]any, store OutputStore) (driver.Outputs, error) {

	policy := stepPolicy(reg, step)

	// The artifact directory exists for every attempted step, even one that
	// fails before its driver runs.
	if _, err := sess.ArtifactsDir(step.ID); err != nil {
		return nil, err
	}

	_, hasConnection := cfg["resolved_connection"]
	if hasConnection {
		sess.ScopedEvent(policy, core.EventConnectionResolveStart, map[string]any{"step_id": step.ID})
	}
	substituted, injected, err := secrets.Substitute(cfg, secrets.LookupFunc(sess.Env))
	if err != nil {
		sess.ScopedEvent(policy, core.EventStepFailed, failFields(step, err, 1, ""))
		return nil, err
	}
	sess.AddSecrets(injected...)
	if hasConnection {
		sess.ScopedEvent(policy, core.EventConnectionResolveComplete, map[string]any{
			"step_id":       step.ID,
			"injected_vars": len(injected),
		})
	}
	resolved, ok := substituted.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("step %s: config is not a mapping", step.ID)
	}

	inputs := make(map[string]any, len(step.Inputs))
	for key, ref := range step.Inputs {
		value, err := store.Resolve(ref)
		if err != nil {
			sess.ScopedEvent(policy, core.EventStepFailed, failFields(step, err, 1, ""))
			return nil, fmt.Errorf("step %s input %s: %w", step.ID, key, err)
		}
		inputs[key] = value
	}

	timeout, err := step.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	var outputs driver.Outputs
	retryErr := backoff.Retry(ctx, func(ctx context.Context, attempt int) error {
		sess.ScopedEvent(policy, core.EventStepStart, map[string]any{
			"step_id": step.ID,
			"driver":  step.Driver,
			"attempt": attempt,
		})

		started := time.Now()
		out, trace, err := runAttempt(ctx, sess, step, resolved, inputs, policy, timeout)
		elapsed := float64(time.Since(started).Milliseconds())
		sess.Metric(core.MetricStepDurationMS, elapsed, "ms",
			map[string]any{"step": step.ID, "attempt": attempt})

		if err != nil {
			sess.ScopedEvent(policy, core.EventStepFailed, failFields(step, err, attempt, trace))
			return err
		}

		sess.ScopedEvent(policy, core.EventStepComplete, map[string]any{
			"step_id":     step.ID,
			"driver":      step.Driver,
			"attempt":     attempt,
			"duration_ms": elapsed,
		})
		outputs = out
		return nil
	}, step.Retry, nil)

	if retryErr != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, retryErr)
	}
	return outputs, nil
}

// runAttempt constructs a fresh driver and executes it once, bounded by the
// step timeout. The driver runs in its own goroutine so a driver that ignores
// cancellation still cannot stall the engine past the deadline.
func runAttempt(ctx context.Context, sess *session.Session, step core.ManifestStep,
	cfg map[string]any, inputs map[string]any, policy *secrets.Policy,
	timeout time.Duration) (driver.Outputs, string, error) {

	drv, err := driver.New(step.Component())
	if err != nil {
		return nil, "", err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		outputs driver.Outputs
		trace   string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{
					trace: string(debug.Stack()),
					err:   fmt.Errorf("driver panic: %v", r),
				}
			}
		}()
		out, err := drv.Run(runCtx, &driver.Request{
			StepID: step.ID,
			Config: cfg,
			Inputs: inputs,
			Run:    sess.Scope(step.ID, policy),
		})
		done <- result{outputs: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && runCtx.Err() == context.DeadlineExceeded {
			return nil, res.trace, fmt.Errorf("%w: step %s exceeded %s", core.ErrStepTimeout, step.ID, step.Timeout)
		}
		return res.outputs, res.trace, res.err
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, "", fmt.Errorf("%w: step %s exceeded %s", core.ErrStepTimeout, step.ID, step.Timeout)
		}
		return nil, "", runCtx.Err()
	}
}

func failFields(step core.ManifestStep, err error, attempt int, trace string) map[string]any {
	fields := map[string]any{
		"step_id":    step.ID,
		"driver":     step.Driver,
		"error":      err.Error(),
		"error_type": errorType(err),
		"attempt":    attempt,
	}
	if trace != "" {
		fields["traceback"] = trace
	}
	return fields
}

// errorType is the machine-readable failure class: the E_ code when the error
// carries one, the Go type otherwise.
func errorType(err error) string {
	if code := core.Code(err); code != "" {
		return code
	}
	return fmt.Sprintf("%T", err)
}

// stepPolicy finds the redaction policy of the step's governing component
// spec. Steps whose spec is absent fall back to the global policy.
func stepPolicy(reg *registry.Registry, step core.ManifestStep) *secrets.Policy {
	if reg == nil {
		return nil
	}
	name, version := splitDriverRef(step.Driver)
	spec, err := reg.GetVersion(name, version)
	if err != nil {
		if spec, err = reg.Get(name); err != nil {
			return nil
		}
	}
	return spec.Policy()
}

func splitDriverRef(ref string) (name, version string) {
	if i := strings.IndexByte(ref, '@'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// Package session owns the per-run directory: append-only event and metric
// logs, human and debug logs, step artifact directories, and the final status
// record. Every observability emission passes through secret masking before
// it reaches disk.
package session

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/keboola/osiris-sub003/internal/common/fileutil"
	"github.com/keboola/osiris-sub003/internal/common/logger"
	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/secrets"
)

const (
	eventsFile  = "events.jsonl"
	metricsFile = "metrics.jsonl"
	statusFile  = "status.json"
	humanLog    = "osiris.log"
	debugLog    = "debug.log"
)

// Session is one execution attempt of one manifest.
type Session struct {
	id    string
	dir   string
	start time.Time

	mu      sync.Mutex
	events  *os.File
	metrics *os.File

	masker *secrets.Masker
	global *secrets.Policy

	sealOnce sync.Once
	sealErr  error

	tap TapFunc

	log      logger.Logger
	logFiles []*os.File

	env map[string]string

	stateMu sync.Mutex
	state   core.RunState

	artifactsMu sync.Mutex
	artifacts   map[string]string
}

// Option configures session creation.
type Option func(*config)

type config struct {
	id    string
	env   map[string]string
	debug bool
	tap   TapFunc
}

// TapFunc observes every masked record line as it is appended, keyed by kind
// ("event" or "metric"). The worker uses it to mirror records to stdout.
type TapFunc func(kind string, line []byte)

// WithID pins the session identifier instead of deriving one from the clock.
// The worker uses it to mirror the host session id inside the sandbox.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithEnv overlays environment variables visible to drivers during this run.
func WithEnv(env map[string]string) Option {
	return func(c *config) { c.env = env }
}

// WithDebug raises the human log level to debug.
func WithDebug() Option {
	return func(c *config) { c.debug = true }
}

// WithTap registers an observer for appended records.
func WithTap(tap TapFunc) Option {
	return func(c *config) { c.tap = tap }
}

// New allocates a session directory under root (root/run_<unix-ms>/) and
// opens its append-only logs. Allocation is guarded by a file lock so
// concurrent runs on one machine never share a directory.
func New(root string, opts ...Option) (*Session, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}

	id := cfg.id
	dir := ""
	if id != "" {
		dir = filepath.Join(root, id)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	} else {
		lock := flock.New(filepath.Join(root, ".session.lock"))
		if err := lock.Lock(); err != nil {
			return nil, fmt.Errorf("lock session root: %w", err)
		}
		defer lock.Unlock() //nolint:errcheck

		ms := time.Now().UnixMilli()
		for {
			id = "run_" + strconv.FormatInt(ms, 10)
			dir = filepath.Join(root, id)
			if err := os.Mkdir(dir, 0o750); err == nil {
				break
			} else if !os.IsExist(err) {
				return nil, fmt.Errorf("create session dir: %w", err)
			}
			ms++
		}
	}

	s := &Session{
		id:        id,
		dir:       dir,
		start:     time.Now(),
		state:     core.StateIdle,
		global:    secrets.NewPolicy(nil, secrets.StrategyMask, ""),
		masker:    secrets.NewMasker(nil),
		env:       cfg.env,
		tap:       cfg.tap,
		artifacts: map[string]string{},
	}

	var err error
	if s.events, err = fileutil.OpenAppendFile(filepath.Join(dir, eventsFile)); err != nil {
		return nil, err
	}
	if s.metrics, err = fileutil.OpenAppendFile(filepath.Join(dir, metricsFile)); err != nil {
		s.events.Close()
		return nil, err
	}

	if err := s.openLogs(cfg.debug); err != nil {
		s.events.Close()
		s.metrics.Close()
		return nil, err
	}

	s.Event(core.EventSessionInitialized, map[string]any{"dir": dir})
	return s, nil
}

func (s *Session) openLogs(debug bool) error {
	human, err := fileutil.OpenAppendFile(filepath.Join(s.dir, humanLog))
	if err != nil {
		return err
	}
	dbg, err := fileutil.OpenAppendFile(filepath.Join(s.dir, debugLog))
	if err != nil {
		human.Close()
		return err
	}
	s.logFiles = []*os.File{human, dbg}

	opts := []logger.Option{logger.WithWriter(s.MaskedWriter(human))}
	if debug {
		opts = append(opts, logger.WithDebug())
	}
	s.log = logger.NewLogger(opts...).With("session", s.id)
	return nil
}

// ID returns the session identifier, pattern run_<unix-ms>.
func (s *Session) ID() string { return s.id }

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

// CfgDir returns (and creates) the directory holding materialized step
// configurations.
func (s *Session) CfgDir() (string, error) {
	dir := filepath.Join(s.dir, "cfg")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// Log returns the session's human-readable logger.
func (s *Session) Log() logger.Logger { return s.log }

// DebugLogPath returns the path of the debug log, the sink for sandbox
// stderr.
func (s *Session) DebugLogPath() string {
	return filepath.Join(s.dir, debugLog)
}

// MaskedWriter wraps w so everything written through it passes the run
// masker, the same scrub every event and metric line gets.
func (s *Session) MaskedWriter(w io.Writer) io.Writer {
	return &maskingWriter{masker: s.masker, w: w}
}

// maskingWriter scrubs registered secret values from each chunk before it
// reaches the underlying sink. slog hands over one full record per Write, so
// a secret never straddles a chunk boundary there.
type maskingWriter struct {
	masker *secrets.Masker
	w      io.Writer
}

func (mw *maskingWriter) Write(p []byte) (int, error) {
	if _, err := mw.w.Write(mw.masker.MaskBytes(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetState records a run lifecycle transition.
func (s *Session) SetState(state core.RunState) {
	s.stateMu.Lock()
	prev := s.state
	s.state = state
	s.stateMu.Unlock()
	if prev != state {
		s.log.Debug("state transition", "from", string(prev), "to", string(state))
	}
}

// State returns the current run lifecycle state.
func (s *Session) State() core.RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// AddSecrets registers raw secret values with the run-wide masker. Any later
// event or metric line containing one of them is masked.
func (s *Session) AddSecrets(values ...string) {
	s.masker.Add(values...)
}

// Env looks up an environment variable: the run overlay first, then the
// process environment.
func (s *Session) Env(name string) (string, bool) {
	if v, ok := s.env[name]; ok {
		return v, true
	}
	return os.LookupEnv(name)
}

// Event appends a run-scoped event record, masked by the global policy.
func (s *Session) Event(name string, fields map[string]any) {
	s.emit("event", s.events, s.global, map[string]any{"event": name}, fields)
}

// ScopedEvent appends a step-scoped event record, masked by the governing
// component's redaction policy.
func (s *Session) ScopedEvent(policy *secrets.Policy, name string, fields map[string]any) {
	if policy == nil {
		policy = s.global
	}
	s.emit("event", s.events, policy, map[string]any{"event": name}, fields)
}

// Metric appends a metric record.
func (s *Session) Metric(name string, value float64, unit string, tags map[string]any) {
	record := map[string]any{"metric": name, "value": value}
	if unit != "" {
		record["unit"] = unit
	}
	if len(tags) > 0 {
		record["tags"] = tags
	}
	s.emit("metric", s.metrics, s.global, record, nil)
}

// emit masks, serializes, and appends one record as a single line.
func (s *Session) emit(kind string, sink *os.File, policy *secrets.Policy, record, fields map[string]any) {
	out := map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"session": s.id,
	}
	for k, v := range record {
		out[k] = v
	}
	if len(fields) > 0 {
		masked, _ := policy.Apply(fields)
		if m, ok := masked.(map[string]any); ok {
			for k, v := range m {
				out[k] = v
			}
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		s.log.Error("drop unserializable record", "err", err)
		return
	}
	data = s.masker.MaskBytes(data)

	s.mu.Lock()
	if sink != nil {
		_, _ = sink.Write(append(data, '\n'))
	}
	s.mu.Unlock()

	if s.tap != nil {
		s.tap(kind, data)
	}
}

// ArtifactsDir returns (and creates on first use) the artifact directory for
// a step, emitting artifacts_dir_created once.
func (s *Session) ArtifactsDir(stepID string) (string, error) {
	s.artifactsMu.Lock()
	defer s.artifactsMu.Unlock()
	if dir, ok := s.artifacts[stepID]; ok {
		return dir, nil
	}
	dir := filepath.Join(s.dir, "artifacts", stepID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	s.artifacts[stepID] = dir
	s.Event(core.EventArtifactsDirCreated, map[string]any{"step_id": stepID})
	return dir, nil
}

// Scope returns the driver-facing view of the session for one step.
func (s *Session) Scope(stepID string, policy *secrets.Policy) *StepScope {
	if policy == nil {
		policy = s.global
	}
	return &StepScope{session: s, stepID: stepID, policy: policy}
}

// Seal writes status.json exactly once and closes the log sinks. Safe to call
// from a deferred path and from the happy path.
func (s *Session) Seal(status core.Status) error {
	s.sealOnce.Do(func() {
		s.SetState(core.StateSealed)
		s.Metric(core.MetricSessionDurationSeconds, time.Since(s.start).Seconds(), "s", nil)

		data, err := json.Marshal(status)
		if err != nil {
			s.sealErr = err
			return
		}
		data = s.masker.MaskBytes(data)
		s.sealErr = fileutil.WriteFileAtomic(filepath.Join(s.dir, statusFile), append(data, '\n'), 0o600)

		s.mu.Lock()
		s.events.Close()
		s.metrics.Close()
		s.events = nil
		s.metrics = nil
		s.mu.Unlock()
		for _, f := range s.logFiles {
			f.Close()
		}
	})
	return s.sealErr
}

// StepScope implements the driver-facing run context for one step.
type StepScope struct {
	session *Session
	stepID  string
	policy  *secrets.Policy
}

// LogEvent appends a step-scoped event, masked by the component policy.
func (sc *StepScope) LogEvent(name string, fields map[string]any) {
	sc.session.ScopedEvent(sc.policy, name, fields)
}

// LogMetric appends a metric record.
func (sc *StepScope) LogMetric(name string, value float64, unit string, tags map[string]any) {
	sc.session.Metric(name, value, unit, tags)
}

// ArtifactsDir returns the step's artifact directory.
func (sc *StepScope) ArtifactsDir() (string, error) {
	return sc.session.ArtifactsDir(sc.stepID)
}

// Env looks up an environment variable visible to the run.
func (sc *StepScope) Env(name string) (string, bool) {
	return sc.session.Env(name)
}

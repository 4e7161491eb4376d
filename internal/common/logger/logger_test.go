package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerWriters(t *testing.T) {
	var a, b bytes.Buffer
	l := NewLogger(WithQuiet(), WithWriter(&a), WithWriter(&b), WithFormat("json"))

	l.Info("run started", "session", "run_1")

	for _, buf := range []*bytes.Buffer{&a, &b} {
		out := buf.String()
		assert.Contains(t, out, `"msg":"run started"`)
		assert.Contains(t, out, `"session":"run_1"`)
	}
}

func TestLoggerDebugLevel(t *testing.T) {
	var quiet, verbose bytes.Buffer

	NewLogger(WithQuiet(), WithWriter(&quiet)).Debug("hidden")
	assert.Empty(t, quiet.String())

	NewLogger(WithQuiet(), WithWriter(&verbose), WithDebug()).Debug("shown")
	assert.Contains(t, verbose.String(), "shown")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithQuiet(), WithWriter(&buf), WithFormat("json"))

	l.With("step", "extract-users").Error("step failed")
	assert.Contains(t, buf.String(), `"step":"extract-users"`)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithQuiet(), WithWriter(&buf))

	ctx := WithLogger(context.Background(), l)
	Info(ctx, "from context", "k", "v")
	assert.Contains(t, buf.String(), "from context")

	// A bare context falls back to the default logger without panicking.
	Debug(context.Background(), "default path")
}

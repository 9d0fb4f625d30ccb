package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_JSON(t *testing.T) {
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, InfoLevel, false)

	l.Debug("hidden")
	assert.Zero(t, buf.Len())

	l.With("component", "ebds").Info("session opened", "port", "/dev/ttyUSB0")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "session opened", rec["msg"])
	assert.Equal(t, "ebds", rec["component"])
	assert.Equal(t, "/dev/ttyUSB0", rec["port"])
	assert.Contains(t, rec, "ts")
}

func TestSlogLogger_ChildSharesLevel(t *testing.T) {
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	parent := NewSlogWithWriter(&buf, WarnLevel, false)
	child := parent.With("k", "v")

	child.Info("dropped")
	assert.Zero(t, buf.Len())

	parent.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, child.Level())

	child.Debug("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestSlogLogger_Console(t *testing.T) {
	t.Setenv("ENV", "development")

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, DebugLevel, false)
	l.Warn("connection lost", "attempts", 3)

	assert.Contains(t, buf.String(), "connection lost")
	assert.Contains(t, buf.String(), "attempts")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want Level
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"INFO", InfoLevel, true},
		{"warning", WarnLevel, true},
		{"error", ErrorLevel, true},
		{"fatal", FatalLevel, true},
		{"verbose", InfoLevel, false},
	}

	for _, tt := range tests {
		level, ok := ParseLevel(tt.name)
		assert.Equal(t, tt.want, level, tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
	}
}

func TestSetDefault(t *testing.T) {
	t.Setenv("ENV", "")

	orig := GetLogger()
	t.Cleanup(func() { SetDefault(orig) })

	var buf bytes.Buffer
	SetDefault(NewSlogWithWriter(&buf, DebugLevel, false))
	SetDefault(nil)

	Debug("through default", "n", 1)
	With("component", "ebds").Warn("child")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "through default")
	assert.Contains(t, string(lines[1]), `"component":"ebds"`)

	SetLevel(ErrorLevel)
	assert.Equal(t, ErrorLevel, GetLogger().Level())
}

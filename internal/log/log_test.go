package log

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLevel(level)
	SetOutput(&buf)
	t.Cleanup(func() {
		SetLevel(LevelInfo)
		SetOutput(os.Stderr)
	})
	return &buf
}

func TestInfoWritesKeyValues(t *testing.T) {
	buf := capture(t, LevelInfo)

	Info("clock synced", "offset", 42, "zone", "UTC", 7, "dropped", "odd")

	out := buf.String()
	assert.Contains(t, out, "clock synced")
	assert.Contains(t, out, "offset=42")
	assert.Contains(t, out, "zone=UTC")
	assert.NotContains(t, out, "dropped")
}

func TestErrorIncludesErr(t *testing.T) {
	buf := capture(t, LevelInfo)

	Error("panel fault", errors.New("busy timeout"), "op", "partial tick")

	out := buf.String()
	assert.Contains(t, out, "panel fault")
	assert.Contains(t, out, "busy timeout")
	assert.Contains(t, out, "op=")
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelWarn)

	Debug("hidden debug")
	Info("hidden info")
	Warn("shown warn")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown warn")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug":   LevelDebug,
		"":        LevelInfo,
		"Warning": LevelWarn,
		"ERROR":   LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

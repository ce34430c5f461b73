package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}

	return out
}

func TestJSONLogger(t *testing.T) {
	t.Run("writes service name and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewJSONLogger(&buf, "ecos", zerolog.DebugLevel)
		l.Info("connected", Field{Key: "addr", Value: "10.0.0.2:15471"})

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "ecos", lines[0]["service"])
		assert.Equal(t, "connected", lines[0]["message"])
		assert.Equal(t, "10.0.0.2:15471", lines[0]["addr"])
		assert.Equal(t, "info", lines[0]["level"])
	})

	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewJSONLogger(&buf, "ecos", zerolog.WarnLevel)
		l.Debug("hidden")
		l.Info("hidden")
		l.Warn("shown")
		l.Error("shown")
		assert.Len(t, decodeLines(t, &buf), 2)
	})

	t.Run("with adds fields to derived logger only", func(t *testing.T) {
		var buf bytes.Buffer
		base := NewJSONLogger(&buf, "ecos", zerolog.InfoLevel)
		derived := base.With(Field{Key: "component", Value: "session"})
		derived.Info("a")
		base.Info("b")

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 2)
		assert.Equal(t, "session", lines[0]["component"])
		assert.NotContains(t, lines[1], "component")
	})

	t.Run("error values are rendered as strings", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewJSONLogger(&buf, "ecos", zerolog.InfoLevel)
		l.Error("write failed", Err(errors.New("broken pipe")))

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "broken pipe", lines[0]["error"])
	})
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "ecos", zerolog.InfoLevel)
	l.Info("reconnecting", Field{Key: "attempt", Value: 3})
	assert.Contains(t, buf.String(), "reconnecting")
	assert.Contains(t, buf.String(), "attempt=3")
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	assert.NotPanics(t, func() {
		l.Error("ignored", Err(errors.New("x")))
		l.With(Field{Key: "k", Value: 1}).Info("ignored")
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

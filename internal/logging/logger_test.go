package logging

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		want  slog.Level
	}{
		{"debug", LevelDebug, slog.LevelDebug},
		{"info", LevelInfo, slog.LevelInfo},
		{"warn", LevelWarn, slog.LevelWarn},
		{"error", LevelError, slog.LevelError},
		{"upper case", LogLevel("DEBUG"), slog.LevelDebug},
		{"unknown defaults to info", LogLevel("verbose"), slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.level))
		})
	}
}

func TestSetupLoggerFiltersByLevel(t *testing.T) {
	original := defaultLogger
	defer func() {
		defaultLogger = original
		slog.SetDefault(original)
	}()

	var buf bytes.Buffer
	SetupLogger(&buf, LevelWarn)

	Info("hidden message")
	Warn("visible message", "repository", "octo/repo")

	out := buf.String()
	assert.NotContains(t, out, "hidden message")
	assert.Contains(t, out, "visible message")
	assert.Contains(t, out, "repository=octo/repo")
}

func TestSetupWithFile(t *testing.T) {
	original := defaultLogger
	defer func() {
		defaultLogger = original
		slog.SetDefault(original)
	}()

	path := filepath.Join(t.TempDir(), "mirror.log")
	closer := SetupWithFile(LevelInfo, FileOptions{Path: path})
	Info("written to file")
	require.NoError(t, closer.Close())

	assert.FileExists(t, path)
}

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"", "<not set>"},
		{"abcd", "<set>"},
		{"ghp_1234567890", "ghp_...***"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskSensitive(tt.value))
	}
}

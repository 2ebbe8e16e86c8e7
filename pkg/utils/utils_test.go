package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"WARNING", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "component", "lifecycle")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "lifecycle", entry["component"])

	for _, format := range []string{"text", "console"} {
		buf.Reset()
		logger, err := NewLogger("debug", format, &buf)
		require.NoError(t, err)
		logger.Debug("hello")
		assert.Contains(t, buf.String(), "hello")
	}

	_, err = NewLogger("info", "xml", &buf)
	assert.Error(t, err)
}

func TestFormatAndParseBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(3<<19))

	tests := map[string]int64{
		"1024": 1024,
		"1KB":  1 << 10,
		"64k":  64 << 10,
		"1MiB": 1 << 20,
		"2G":   2 << 30,
		"0.5M": 1 << 19,
	}
	for in, want := range tests {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "abc", "-1K"} {
		_, err := ParseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestSecureJoin(t *testing.T) {
	base := t.TempDir()

	got, err := SecureJoin(base, "hot", "ab", "abcd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "hot", "ab", "abcd"), got)

	_, err = SecureJoin(base, "..", "etc")
	assert.Error(t, err)

	_, err = SecureJoin("", "x")
	assert.Error(t, err)
}

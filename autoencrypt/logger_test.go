package autoencrypt

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"FINEST":  LevelTrace,
		"trace":   LevelTrace,
		"FINE":    slog.LevelDebug,
		"CONFIG":  slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"SEVERE":  slog.LevelError,
		" error ": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestInitLogger_WritesFile(t *testing.T) {
	prev := logger
	t.Cleanup(func() { SetLogger(prev) })

	path := filepath.Join(t.TempDir(), "logs", "ae.log")
	require.NoError(t, InitLogger(LogOptions{Level: LevelTrace, File: path}))

	sub("test").Log(context.Background(), LevelTrace, "probe", "path", "/w/a.txt")
	sub("test").Info("hello")
	assert.True(t, logEnabled(LevelTrace))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "comp=test")
	assert.Contains(t, out, "msg=hello")
}

func TestInitLogger_LevelFilters(t *testing.T) {
	prev := logger
	t.Cleanup(func() { SetLogger(prev) })

	path := filepath.Join(t.TempDir(), "ae.log")
	require.NoError(t, InitLogger(LogOptions{Level: slog.LevelWarn, File: path}))

	sub("test").Info("quiet")
	sub("test").Warn("loud")
	assert.False(t, logEnabled(slog.LevelDebug))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "quiet")
	assert.Contains(t, string(data), "loud")
}

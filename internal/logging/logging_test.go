package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "parley.log")
	logger, closer, err := New(path, "debug")
	require.NoError(t, err)

	Module(logger, "session").Debug("turn started", slog.String("turn_id", "abc"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"module":"session"`)
	assert.Contains(t, string(data), `"turn_id":"abc"`)
}

func TestEmptyPathDiscards(t *testing.T) {
	logger, closer, err := New("", "info")
	require.NoError(t, err)
	logger.Info("dropped")
	assert.NoError(t, closer.Close())
}

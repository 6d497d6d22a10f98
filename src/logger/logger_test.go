package logger

import (
	"path/filepath"
	"testing"

	"canvas_worker/src/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(model.LogConfig{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewDefaultsToInfo(t *testing.T) {
	_, err := New(model.LogConfig{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestNewFileOutputCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "worker.log")
	l, err := New(model.LogConfig{Level: "debug", Output: "file", FilePath: path})
	require.NoError(t, err)
	l.Debug().Msg("hello")
	assert.FileExists(t, path)
}

func TestInitLoggerSetsGlobal(t *testing.T) {
	require.NoError(t, InitLogger(model.LogConfig{Level: "warn", Format: "console", Output: "stderr"}))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.NotNil(t, GetLogger())
}

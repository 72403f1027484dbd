package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/covigo-scheduling/internal/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.Config{LogLevel: "loud"}, "test")
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covigo.log")

	logger, err := New(config.Config{LogLevel: "info", LogFormat: "json", LogFile: path, Env: "prod"}, "test")
	require.NoError(t, err)

	logger.Info("slot booked")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"slot booked"`)
	assert.Contains(t, string(data), `"service":"test"`)
}

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngineConfig_Defaults(t *testing.T) {
	cfg := LoadEngineConfig("TESTENGINE")
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, 4, cfg.QueueConcurrency)
	assert.True(t, cfg.OutputCacheCompression)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEngineConfig_EnvOverrides(t *testing.T) {
	os.Setenv("TESTENGINE_STORAGE_BACKEND", "postgres")
	os.Setenv("TESTENGINE_QUEUE_CONCURRENCY", "16")
	os.Setenv("TESTENGINE_QUEUE_RATE_WINDOW", "5s")
	defer os.Unsetenv("TESTENGINE_STORAGE_BACKEND")
	defer os.Unsetenv("TESTENGINE_QUEUE_CONCURRENCY")
	defer os.Unsetenv("TESTENGINE_QUEUE_RATE_WINDOW")

	cfg := LoadEngineConfig("TESTENGINE")
	assert.Equal(t, "postgres", cfg.StorageBackend)
	assert.Equal(t, 16, cfg.QueueConcurrency)
	assert.Equal(t, 5*time.Second, cfg.QueueRateWindow)
}

func TestEngineConfig_ValidateRejectsUnknownBackend(t *testing.T) {
	cfg := LoadEngineConfig("TESTENGINE")
	cfg.StorageBackend = "sqlite"
	require.Error(t, cfg.Validate())
}

func TestEngineConfig_ValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := LoadEngineConfig("TESTENGINE")
	cfg.QueueConcurrency = 0
	require.Error(t, cfg.Validate())
}

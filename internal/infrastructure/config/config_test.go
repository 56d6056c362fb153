package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "pipelines.yaml", cfg.Pipeline.Definitions)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.StartupTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.Pipeline.StepInterval)
	assert.Equal(t, 64, cfg.Bridge.OutboxLimit)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PIPELINE_STOP_GRACE", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.StopGrace)
}

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/fleetd/autoxing"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.AutoXing.AppID = "app"
	c.AutoXing.AppSecret = "secret"
	c.AutoXing.AppCode = "code"
	c.Robots.IDs = []string{"robot-1"}
	return c
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, autoxing.DefaultBaseURL, c.AutoXing.BaseURL)
	assert.Equal(t, 5*time.Second, c.Robots.PollInterval)
	assert.Equal(t, 2*time.Second, c.Orchestrator.TickInterval)
	assert.Equal(t, ":9090", c.Server.MetricsAddr)
	assert.False(t, c.Workflow.AutoReassignOnOffline)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("missing credentials fail", func(t *testing.T) {
		c := validConfig()
		c.AutoXing.AppSecret = ""
		assert.ErrorIs(t, c.Validate(), autoxing.ErrMissingCredentials)
	})

	t.Run("no robots fail", func(t *testing.T) {
		c := validConfig()
		c.Robots.IDs = nil
		assert.ErrorContains(t, c.Validate(), "robots.ids")
	})

	t.Run("sub-second poll interval fails", func(t *testing.T) {
		c := validConfig()
		c.Robots.PollInterval = 500 * time.Millisecond
		assert.ErrorContains(t, c.Validate(), "poll_interval")
	})
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		AutoXing: autoxing.Config{AppID: "app-2"},
		NATS:     NATSConfig{URL: "nats://localhost:4222"},
		Robots:   RobotsConfig{IDs: []string{"robot-9"}},
		Workflow: WorkflowConfig{AutoReassignOnOffline: true},
	})

	assert.Equal(t, "app-2", base.AutoXing.AppID)
	assert.Equal(t, autoxing.DefaultBaseURL, base.AutoXing.BaseURL, "defaults survive zero-value merge")
	assert.Equal(t, "nats://localhost:4222", base.NATS.URL)
	assert.Equal(t, []string{"robot-9"}, base.Robots.IDs)
	assert.True(t, base.Workflow.AutoReassignOnOffline)
	assert.Equal(t, 5*time.Second, base.Robots.PollInterval)
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")

	c := validConfig()
	c.NATS.URL = "nats://localhost:4222"
	c.Robots.PollInterval = 10 * time.Second
	require.NoError(t, c.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", loaded.NATS.URL)
	assert.Equal(t, 10*time.Second, loaded.Robots.PollInterval)
	assert.Equal(t, []string{"robot-1"}, loaded.Robots.IDs)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("AUTOX_APP_ID", "env-app")
	t.Setenv("AUTOX_APP_SECRET", "env-secret")
	t.Setenv("AUTOX_APP_CODE", "env-code")
	t.Setenv("AUTOX_TOKEN_TTL_SECONDS", "60")
	t.Setenv("FLEETD_NATS_URL", "nats://env:4222")
	t.Setenv("FLEETD_ROBOT_IDS", "robot-1, robot-2 ,")
	t.Setenv("AUTO_REASSIGN_ON_OFFLINE", "1")

	c := DefaultConfig()
	c.ApplyEnv()

	assert.Equal(t, "env-app", c.AutoXing.AppID)
	assert.Equal(t, time.Minute, c.AutoXing.TokenTTL)
	assert.Equal(t, autoxing.DefaultBaseURL, c.AutoXing.BaseURL, "unset AUTOX_BASE_URL keeps default")
	assert.Equal(t, "nats://env:4222", c.NATS.URL)
	assert.Equal(t, []string{"robot-1", "robot-2"}, c.Robots.IDs)
	assert.True(t, c.Workflow.AutoReassignOnOffline)
}

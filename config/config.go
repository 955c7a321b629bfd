// Package config provides configuration loading and management for fleetd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetworks/fleetd/autoxing"
)

// Config represents the complete fleetd configuration.
type Config struct {
	AutoXing     autoxing.Config    `yaml:"autoxing"`
	NATS         NATSConfig         `yaml:"nats"`
	Robots       RobotsConfig       `yaml:"robots"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Safety       SafetyConfig       `yaml:"safety"`
	Server       ServerConfig       `yaml:"server"`
}

// NATSConfig configures the NATS connection backing entity storage.
type NATSConfig struct {
	// URL is the NATS server URL. Empty selects the in-memory store,
	// which keeps nothing across restarts.
	URL string `yaml:"url"`
}

// RobotsConfig configures the monitored fleet.
type RobotsConfig struct {
	// IDs lists the vendor robot ids the poller watches.
	IDs []string `yaml:"ids"`
	// PollInterval is how often robot state is fetched (floor 1s).
	PollInterval time.Duration `yaml:"poll_interval"`
}

// OrchestratorConfig configures the background tick loop.
type OrchestratorConfig struct {
	// TickInterval is how often tasks are promoted and workflows advanced.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// WorkflowConfig configures the workflow engine.
type WorkflowConfig struct {
	// AutoReassignOnOffline fails runs whose robot went offline and
	// requeues their tasks.
	AutoReassignOnOffline bool `yaml:"auto_reassign_on_offline"`
}

// SafetyConfig configures the SAFE_MODE guard.
type SafetyConfig struct {
	// MarkerPath is the file whose presence toggles safe mode at runtime.
	MarkerPath string `yaml:"marker_path"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// MetricsAddr is the listen address for the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoXing: autoxing.DefaultConfig(),
		NATS: NATSConfig{
			URL: "", // In-memory store
		},
		Robots: RobotsConfig{
			PollInterval: 5 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			TickInterval: 2 * time.Second,
		},
		Safety: SafetyConfig{
			MarkerPath: "/var/run/fleetd/safe_mode",
		},
		Server: ServerConfig{
			MetricsAddr: ":9090",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.AutoXing.Validate(); err != nil {
		return err
	}
	if len(c.Robots.IDs) == 0 {
		return fmt.Errorf("robots.ids is required")
	}
	if c.Robots.PollInterval < time.Second {
		return fmt.Errorf("robots.poll_interval must be at least 1s")
	}
	if c.Orchestrator.TickInterval <= 0 {
		return fmt.Errorf("orchestrator.tick_interval must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	c.AutoXing = c.AutoXing.Merge(other.AutoXing)

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	if len(other.Robots.IDs) > 0 {
		c.Robots.IDs = other.Robots.IDs
	}
	if other.Robots.PollInterval != 0 {
		c.Robots.PollInterval = other.Robots.PollInterval
	}

	if other.Orchestrator.TickInterval != 0 {
		c.Orchestrator.TickInterval = other.Orchestrator.TickInterval
	}

	if other.Workflow.AutoReassignOnOffline {
		c.Workflow.AutoReassignOnOffline = true
	}

	if other.Safety.MarkerPath != "" {
		c.Safety.MarkerPath = other.Safety.MarkerPath
	}

	if other.Server.MetricsAddr != "" {
		c.Server.MetricsAddr = other.Server.MetricsAddr
	}
}

// ApplyEnv overlays environment variables onto the config. Vendor
// credentials come from AUTOX_*; the rest use FLEETD_* names, except
// AUTO_REASSIGN_ON_OFFLINE which keeps its historical name.
func (c *Config) ApplyEnv() {
	env := autoxing.Config{
		BaseURL:   os.Getenv("AUTOX_BASE_URL"),
		AppID:     os.Getenv("AUTOX_APP_ID"),
		AppSecret: os.Getenv("AUTOX_APP_SECRET"),
		AppCode:   os.Getenv("AUTOX_APP_CODE"),
	}
	if v := os.Getenv("AUTOX_TOKEN_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			env.TokenTTL = time.Duration(secs) * time.Second
		}
	}
	c.AutoXing = c.AutoXing.Merge(env)

	if v := os.Getenv("FLEETD_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("FLEETD_ROBOT_IDS"); v != "" {
		ids := make([]string, 0)
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			c.Robots.IDs = ids
		}
	}
	if v := os.Getenv("FLEETD_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if os.Getenv("AUTO_REASSIGN_ON_OFFLINE") == "1" {
		c.Workflow.AutoReassignOnOffline = true
	}
}

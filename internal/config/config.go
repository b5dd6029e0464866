// Package config loads and validates the gate scanner configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gatescand configuration.
type Config struct {
	GateID           string        `yaml:"gate_id"`
	EventID          string        `yaml:"event_id"`
	Operator         string        `yaml:"operator"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig  `yaml:"camera"`
	Scanner          ScannerConfig `yaml:"scanner"`
	Backend          BackendConfig `yaml:"backend"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	Health           HealthConfig  `yaml:"health"`
}

// CameraConfig contains capture settings.
type CameraConfig struct {
	Device     string `yaml:"device"`      // explicit /dev/videoN, empty for auto
	Facing     string `yaml:"facing"`      // environment, user
	Width      int    `yaml:"width"`       // default 1280
	Height     int    `yaml:"height"`      // default 720
	FPS        int    `yaml:"fps"`         // target fps, default 15
	DecodeMS   int    `yaml:"decode_ms"`   // min ms between decode attempts, default 150
	ReplayFile string `yaml:"replay_file"` // payloads file, one per line; replaces the camera
}

// ScannerConfig contains session tuning.
type ScannerConfig struct {
	CooldownMS      int `yaml:"cooldown_ms"`       // duplicate-scan suppression window, default 2500
	DisplayWindowS  int `yaml:"display_window_s"`  // rejection display window in seconds, default 5
	StatsIntervalS  int `yaml:"stats_interval_s"`  // attendance poll interval in seconds, default 15
}

// BackendConfig points at the ticketing API.
type BackendConfig struct {
	BaseURL  string `yaml:"base_url"`
	TimeoutS int    `yaml:"timeout_s"` // request timeout in seconds, default 5
}

// MQTTConfig contains broker settings. Optional; leave broker empty to run
// without event publishing.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates.
type MQTTTopics struct {
	Control  string `yaml:"control"`
	Feedback string `yaml:"feedback"`
	Stats    string `yaml:"stats"`
	Health   string `yaml:"health"`
}

// HealthConfig contains the local health endpoint settings.
type HealthConfig struct {
	Addr string `yaml:"addr"` // default :8089
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.Camera.Facing == "" {
		cfg.Camera.Facing = "environment"
	}
	if cfg.Scanner.CooldownMS == 0 {
		cfg.Scanner.CooldownMS = 2500
	}
	if cfg.Scanner.DisplayWindowS == 0 {
		cfg.Scanner.DisplayWindowS = 5
	}
	if cfg.Scanner.StatsIntervalS == 0 {
		cfg.Scanner.StatsIntervalS = 15
	}
	if cfg.Backend.TimeoutS == 0 {
		cfg.Backend.TimeoutS = 5
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8089"
	}
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("gatewise/control/%s", cfg.GateID)
		}
		if cfg.MQTT.Topics.Feedback == "" {
			cfg.MQTT.Topics.Feedback = "gatewise/feedback"
		}
		if cfg.MQTT.Topics.Stats == "" {
			cfg.MQTT.Topics.Stats = "gatewise/stats"
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = "gatewise/health"
		}
	}
}

// Cooldown returns the duplicate-scan suppression window.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Scanner.CooldownMS) * time.Millisecond
}

// DisplayWindow returns the rejection display window.
func (c *Config) DisplayWindow() time.Duration {
	return time.Duration(c.Scanner.DisplayWindowS) * time.Second
}

// StatsInterval returns the attendance poll interval.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Scanner.StatsIntervalS) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// BackendTimeout returns the per-request backend timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutS) * time.Second
}

// DecodeInterval returns the minimum interval between decode attempts.
func (c *Config) DecodeInterval() time.Duration {
	return time.Duration(c.Camera.DecodeMS) * time.Millisecond
}

package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var gateIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid.
func Validate(cfg *Config) error {
	if cfg.GateID == "" {
		return fmt.Errorf("gate_id is required")
	}
	if !gateIDPattern.MatchString(cfg.GateID) {
		return fmt.Errorf("gate_id must match pattern [a-z0-9-]+")
	}

	if cfg.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if cfg.Operator == "" {
		return fmt.Errorf("operator is required")
	}

	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute URL, got %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.TimeoutS < 0 {
		return fmt.Errorf("backend.timeout_s must be >= 0")
	}

	switch cfg.Camera.Facing {
	case "environment", "user":
	default:
		return fmt.Errorf("camera.facing must be environment or user, got %q", cfg.Camera.Facing)
	}
	if cfg.Camera.FPS < 0 || cfg.Camera.FPS > 30 {
		return fmt.Errorf("camera.fps must be 0 (default) or 1-30, got %d", cfg.Camera.FPS)
	}
	if cfg.Camera.Device != "" && !strings.HasPrefix(cfg.Camera.Device, "/dev/") {
		return fmt.Errorf("camera.device must be a /dev path, got %q", cfg.Camera.Device)
	}

	if cfg.Scanner.CooldownMS < 0 {
		return fmt.Errorf("scanner.cooldown_ms must be >= 0")
	}
	if cfg.Scanner.DisplayWindowS < 0 {
		return fmt.Errorf("scanner.display_window_s must be >= 0")
	}
	if cfg.Scanner.StatsIntervalS < 1 {
		return fmt.Errorf("scanner.stats_interval_s must be >= 1")
	}

	if cfg.MQTT.Broker != "" && cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":  1,
			"feedback": 1,
			"stats":    0,
			"health":   0,
		}
	}

	return nil
}

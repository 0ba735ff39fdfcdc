package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the main configuration structure
type Config struct {
	InPort  string `json:"inPort,omitempty"`
	OutPort string `json:"outPort,omitempty"`

	Channel  int `json:"channel"`
	Velocity int `json:"velocity"`

	Pattern     string  `json:"pattern"`
	Divisor     int     `json:"divisor"`
	GateLength  float64 `json:"gateLength"`
	OctaveRange int     `json:"octaveRange"`

	Strategy    string  `json:"strategy"`
	SwingAmount float64 `json:"swingAmount"`
	HumanizeMs  float64 `json:"humanizeMs,omitempty"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Channel:     1,
		Velocity:    100,
		Pattern:     "up",
		Divisor:     4,
		GateLength:  0.8,
		OctaveRange: 1,
		Strategy:    "straight",
		SwingAmount: 0.5,
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-arp"), nil
}

// ConfigPath returns the full path to config.json
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from disk, or returns defaults if not found.
// Out-of-range values are clamped, never rejected.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.clamp()

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	path, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) clamp() {
	c.Channel = clampInt(c.Channel, 1, 16)
	c.Velocity = clampInt(c.Velocity, 1, 127)
	c.OctaveRange = clampInt(c.OctaveRange, 1, 4)
	c.GateLength = clampFloat(c.GateLength, 0, 1)
	c.SwingAmount = clampFloat(c.SwingAmount, 0, 1)
	if c.HumanizeMs < 0 {
		c.HumanizeMs = 0
	}
	if c.Divisor < 1 {
		c.Divisor = 1
	}
	if c.Divisor > 24 {
		c.Divisor = 24
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

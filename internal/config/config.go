// Package config loads the Coronet daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// JudgeConfig configures the model-backed arbitration judge.
type JudgeConfig struct {
	Model      string `yaml:"model"`
	APIKeyEnv  string `yaml:"api_key_env"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-attempt judge timeout.
func (j JudgeConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutSec) * time.Second
}

// SweepConfig configures the periodic container sweep.
type SweepConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSec     int  `yaml:"interval_sec"`
	StaleEvalTTLMin int  `yaml:"stale_eval_ttl_min"`
}

// Interval returns the sweep cadence.
func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// StaleEvalTTL returns how long an evaluation lock may be held before the
// sweep reaps it.
func (s SweepConfig) StaleEvalTTL() time.Duration {
	return time.Duration(s.StaleEvalTTLMin) * time.Minute
}

// Config is the daemon configuration.
type Config struct {
	Listen string      `yaml:"listen"`
	DBPath string      `yaml:"db_path"`
	Judge  JudgeConfig `yaml:"judge"`
	Sweep  SweepConfig `yaml:"sweep"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Listen: "127.0.0.1:7467",
		DBPath: filepath.Join(homeDir, ".coronet", "coronet.db"),
		Judge: JudgeConfig{
			Model:      "gpt-4o",
			APIKeyEnv:  "OPENAI_API_KEY",
			TimeoutSec: 90,
		},
		Sweep: SweepConfig{
			Enabled:         true,
			IntervalSec:     60,
			StaleEvalTTLMin: 15,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" || cfg.DBPath == "" {
		return nil, fmt.Errorf("config requires listen and db_path")
	}
	return cfg, nil
}

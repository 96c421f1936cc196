package sched

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml.
type Config struct {
	TickMS             int    `yaml:"tick_ms"`              // 10 (by default)
	SliceTicks         int    `yaml:"slice_ticks"`          // 5 (by default)
	CPUs               int    `yaml:"cpus"`                 // 1 = single-core scheduler
	MaxTasks           int    `yaml:"max_tasks"`            // task slots besides the idle tasks
	Watchdogs          int    `yaml:"watchdogs"`            // watchdog slots for timed waits
	Compensate         bool   `yaml:"compensate"`           // derive ticks from the reference clock
	MaxCompensateTicks int    `yaml:"max_compensate_ticks"` // clamp for one compensated interrupt
	EventBuffer        int    `yaml:"event_buffer"`         // 0 disables the event stream
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"`
}

// maxCPUs is bounded by the width of CPUSet.
const maxCPUs = 64

// DefaultConfig is used when no config file is given.
func DefaultConfig() Config {
	return Config{
		TickMS:             10,
		SliceTicks:         5,
		CPUs:               1,
		MaxTasks:           32,
		Watchdogs:          32,
		MaxCompensateTicks: 1000,
		EventBuffer:        256,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// TickPeriod returns the configured tick length.
func (c Config) TickPeriod() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// Load reads YAML and overrides defaults; an empty path or a missing file
// yields the defaults only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Clamped returns c with out-of-range values replaced by their defaults.
func (c Config) Clamped() Config {
	c.clamp()
	return c
}

// sanity clamps
func (c *Config) clamp() {
	if c.TickMS <= 0 {
		c.TickMS = 10
	}
	if c.SliceTicks <= 0 {
		c.SliceTicks = 5
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	} else if c.CPUs > maxCPUs {
		c.CPUs = maxCPUs
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 32
	}
	if c.Watchdogs < 0 {
		c.Watchdogs = 0
	}
	if c.MaxCompensateTicks <= 0 {
		c.MaxCompensateTicks = 1000
	}
	if c.EventBuffer < 0 {
		c.EventBuffer = 0
	}
}

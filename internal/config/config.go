// Package config loads and persists the JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/btlink/btaudio/internal/recorder"
)

// Config holds application configuration.
type Config struct {
	// Driver selects the audio backend by name; empty picks the first
	// usable backend.
	Driver string `json:"driver"`
	// SampleRate and Channels set the capture format.
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	// PeriodMS is the audio buffer period in milliseconds.
	PeriodMS int `json:"period_ms"`
	// RecordDir is where recordings land; supports ~ expansion.
	RecordDir string `json:"record_dir"`
	// MaxRecordTime caps a single recording, in seconds.
	MaxRecordTime int `json:"max_record_time"`
	// WatchdogTimeout bounds any pending audio operation, in seconds.
	WatchdogTimeout int `json:"watchdog_timeout"`
	// RoutePollInterval is the device change poll cadence, in seconds.
	RoutePollInterval int `json:"route_poll_interval"`
	// LogLevel is one of trace, debug, info, warn, error, critical, off.
	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Driver:            "",
		SampleRate:        16000,
		Channels:          1,
		PeriodMS:          20,
		RecordDir:         "~/recordings",
		MaxRecordTime:     60,
		WatchdogTimeout:   300,
		RoutePollInterval: 2,
		LogLevel:          "info",
	}
}

// Load loads configuration from the specified path. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.fillDefaults()
	return &config, nil
}

// fillDefaults backfills zero-valued fields from the defaults, so old
// config files keep working when new fields appear.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.PeriodMS <= 0 {
		c.PeriodMS = def.PeriodMS
	}
	if c.RecordDir == "" {
		c.RecordDir = def.RecordDir
	}
	if c.MaxRecordTime <= 0 {
		c.MaxRecordTime = def.MaxRecordTime
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = def.WatchdogTimeout
	}
	if c.RoutePollInterval <= 0 {
		c.RoutePollInterval = def.RoutePollInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Save saves configuration to the specified path.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the default configuration file path.
func GetConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "btaudio", "config.json")
}

// ExpandPath expands ~ to home directory in file paths.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	return absPath, nil
}

// GetRecordDir returns the expanded recordings directory.
func (c *Config) GetRecordDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ExpandPath(c.RecordDir)
}

// RecorderOptions builds the capture options this configuration
// describes.
func (c *Config) RecorderOptions() recorder.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	opts := recorder.DefaultOptions()
	opts.SampleRate = c.SampleRate
	opts.Channels = c.Channels
	opts.PeriodMS = c.PeriodMS
	return opts
}

// WatchdogDuration returns the watchdog timeout as a duration.
func (c *Config) WatchdogDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.Duration(c.WatchdogTimeout) * time.Second
}

// MaxRecordDuration returns the recording cap as a duration.
func (c *Config) MaxRecordDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.Duration(c.MaxRecordTime) * time.Second
}

// PollInterval returns the route poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.Duration(c.RoutePollInterval) * time.Second
}

// validLogLevels are the accepted log_level values.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "critical": true, "off": true,
}

// Validate validates all configuration fields.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("invalid sample_rate: %d (must be between 8000 and 48000)", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("invalid channels: %d (must be 1 or 2)", c.Channels)
	}
	if c.PeriodMS <= 0 || c.PeriodMS > 500 {
		return fmt.Errorf("invalid period_ms: %d (must be between 1 and 500)", c.PeriodMS)
	}
	if c.MaxRecordTime <= 0 || c.MaxRecordTime > 3600 {
		return fmt.Errorf("invalid max_record_time: %d (must be between 1 and 3600 seconds)", c.MaxRecordTime)
	}
	if c.WatchdogTimeout <= 0 || c.WatchdogTimeout > 3600 {
		return fmt.Errorf("invalid watchdog_timeout: %d (must be between 1 and 3600 seconds)", c.WatchdogTimeout)
	}
	if c.RoutePollInterval <= 0 || c.RoutePollInterval > 60 {
		return fmt.Errorf("invalid route_poll_interval: %d (must be between 1 and 60 seconds)", c.RoutePollInterval)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}

	return nil
}

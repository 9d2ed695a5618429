package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("Expected default config to be created")
	}

	if config.SampleRate != 16000 {
		t.Errorf("Expected SampleRate 16000, got %d", config.SampleRate)
	}

	if config.Channels != 1 {
		t.Errorf("Expected Channels 1, got %d", config.Channels)
	}

	if config.MaxRecordTime != 60 {
		t.Errorf("Expected MaxRecordTime 60, got %d", config.MaxRecordTime)
	}

	if config.WatchdogTimeout != 300 {
		t.Errorf("Expected WatchdogTimeout 300, got %d", config.WatchdogTimeout)
	}

	if config.LogLevel != "info" {
		t.Errorf("Expected LogLevel 'info', got '%s'", config.LogLevel)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("Default config should validate, got: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	config := DefaultConfig()
	config.Driver = "portaudio"
	config.SampleRate = 44100

	if err := config.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Driver != "portaudio" {
		t.Errorf("Expected Driver 'portaudio', got '%s'", loaded.Driver)
	}

	if loaded.SampleRate != 44100 {
		t.Errorf("Expected SampleRate 44100, got %d", loaded.SampleRate)
	}
}

func TestLoadNonexistent(t *testing.T) {
	config, err := Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("Expected no error when loading nonexistent file, got: %v", err)
	}

	if config == nil {
		t.Fatal("Expected default config to be returned")
	}

	if config.SampleRate != DefaultConfig().SampleRate {
		t.Errorf("Expected default SampleRate, got %d", config.SampleRate)
	}
}

func TestLoadBackfillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	// A partial config from an older version.
	partial := `{"sample_rate": 8000}`
	if err := os.WriteFile(configPath, []byte(partial), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.SampleRate != 8000 {
		t.Errorf("Expected SampleRate 8000, got %d", loaded.SampleRate)
	}

	if loaded.WatchdogTimeout != 300 {
		t.Errorf("Expected backfilled WatchdogTimeout 300, got %d", loaded.WatchdogTimeout)
	}

	if loaded.LogLevel != "info" {
		t.Errorf("Expected backfilled LogLevel 'info', got '%s'", loaded.LogLevel)
	}
}

func TestValidateInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"sample rate too low", func(c *Config) { c.SampleRate = 4000 }},
		{"sample rate too high", func(c *Config) { c.SampleRate = 96000 }},
		{"bad channels", func(c *Config) { c.Channels = 3 }},
		{"bad period", func(c *Config) { c.PeriodMS = 1000 }},
		{"bad max record time", func(c *Config) { c.MaxRecordTime = 7200 }},
		{"bad watchdog", func(c *Config) { c.WatchdogTimeout = -1 }},
		{"bad poll interval", func(c *Config) { c.RoutePollInterval = 120 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestDurations(t *testing.T) {
	config := DefaultConfig()
	config.WatchdogTimeout = 120
	config.MaxRecordTime = 30
	config.RoutePollInterval = 5

	if got := config.WatchdogDuration(); got != 2*time.Minute {
		t.Errorf("Expected 2m watchdog, got %s", got)
	}

	if got := config.MaxRecordDuration(); got != 30*time.Second {
		t.Errorf("Expected 30s max record, got %s", got)
	}

	if got := config.PollInterval(); got != 5*time.Second {
		t.Errorf("Expected 5s poll interval, got %s", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("No home directory: %v", err)
	}

	expanded, err := ExpandPath("~/recordings")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}

	if expanded != filepath.Join(home, "recordings") {
		t.Errorf("Expected path under home, got '%s'", expanded)
	}

	empty, err := ExpandPath("")
	if err != nil || empty != "" {
		t.Errorf("Expected empty expansion, got '%s', %v", empty, err)
	}
}

func TestRecorderOptions(t *testing.T) {
	config := DefaultConfig()
	config.SampleRate = 44100
	config.Channels = 2
	config.PeriodMS = 10

	opts := config.RecorderOptions()
	if opts.SampleRate != 44100 || opts.Channels != 2 || opts.PeriodMS != 10 {
		t.Errorf("Options did not carry config values: %+v", opts)
	}

	if opts.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", opts.BitsPerSample)
	}
}

func TestGetConfigPath(t *testing.T) {
	path := GetConfigPath()

	if path == "" {
		t.Error("Expected non-empty config path")
	}

	if !strings.Contains(path, "btaudio") {
		t.Errorf("Expected path to contain 'btaudio', got '%s'", path)
	}

	if !strings.HasSuffix(path, "config.json") {
		t.Errorf("Expected path to end in 'config.json', got '%s'", path)
	}
}

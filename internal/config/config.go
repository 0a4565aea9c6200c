// Package config loads and validates the nopush configuration.
package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete nopush configuration
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Relay    Relay    `yaml:"relay"`
	Plugin   Plugin   `yaml:"plugin"`
	Mute     Mute     `yaml:"mute"`
	APNS     APNS     `yaml:"apns"`
	Dispatch Dispatch `yaml:"dispatch"`
	Logging  Logging  `yaml:"logging"`
}

// Storage contains notification store settings
type Storage struct {
	Path string `yaml:"path"`
}

// Relay contains the embedded relay server settings (relay mode)
type Relay struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	EventsPath  string `yaml:"events_path"`
}

// Plugin contains strfry plugin mode settings
type Plugin struct {
	// Reject makes the plugin reject every note after queueing it for
	// dispatch. Useful when nopush is the last filter in a write-only
	// notification deployment.
	Reject bool `yaml:"reject"`
}

// Mute contains mute-list lookup settings
type Mute struct {
	RelayURL        string `yaml:"relay_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	TimeoutMs       int    `yaml:"timeout_ms"`
}

// APNS contains push gateway credentials and tuning
type APNS struct {
	KeyPath   string `yaml:"key_path"`
	KeyID     string `yaml:"key_id"`
	TeamID    string `yaml:"team_id"`
	Topic     string `yaml:"topic"`
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Dispatch contains dispatch engine tuning
type Dispatch struct {
	Workers                int `yaml:"workers"`
	QueueSize              int `yaml:"queue_size"`
	FreshnessWindowSeconds int `yaml:"freshness_window_seconds"`
	DeliverTimeoutMs       int `yaml:"deliver_timeout_ms"`
}

// Logging contains log output settings
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Storage: Storage{
			Path: "./apns_notifications.db",
		},
		Relay: Relay{
			Bind:        "0.0.0.0",
			Port:        7777,
			Name:        "nopush",
			Description: "push notification relay",
			EventsPath:  "./events.db",
		},
		Mute: Mute{
			RelayURL:        "ws://localhost:7777",
			CacheTTLSeconds: 300,
			TimeoutMs:       5000,
		},
		APNS: APNS{
			Endpoint:  "https://api.push.apple.com",
			TimeoutMs: 10000,
		},
		Dispatch: Dispatch{
			Workers:                4,
			QueueSize:              1024,
			FreshnessWindowSeconds: 7 * 24 * 60 * 60,
			DeliverTimeoutMs:       10000,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
	}
	if cfg.Relay.Bind == "" {
		cfg.Relay.Bind = defaults.Relay.Bind
	}
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = defaults.Relay.Port
	}
	if cfg.Relay.Name == "" {
		cfg.Relay.Name = defaults.Relay.Name
	}
	if cfg.Relay.Description == "" {
		cfg.Relay.Description = defaults.Relay.Description
	}
	if cfg.Relay.EventsPath == "" {
		cfg.Relay.EventsPath = defaults.Relay.EventsPath
	}
	if cfg.Mute.RelayURL == "" {
		cfg.Mute.RelayURL = defaults.Mute.RelayURL
	}
	if cfg.Mute.CacheTTLSeconds == 0 {
		cfg.Mute.CacheTTLSeconds = defaults.Mute.CacheTTLSeconds
	}
	if cfg.Mute.TimeoutMs == 0 {
		cfg.Mute.TimeoutMs = defaults.Mute.TimeoutMs
	}
	if cfg.APNS.Endpoint == "" {
		cfg.APNS.Endpoint = defaults.APNS.Endpoint
	}
	if cfg.APNS.TimeoutMs == 0 {
		cfg.APNS.TimeoutMs = defaults.APNS.TimeoutMs
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = defaults.Dispatch.Workers
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = defaults.Dispatch.QueueSize
	}
	if cfg.Dispatch.FreshnessWindowSeconds == 0 {
		cfg.Dispatch.FreshnessWindowSeconds = defaults.Dispatch.FreshnessWindowSeconds
	}
	if cfg.Dispatch.DeliverTimeoutMs == 0 {
		cfg.Dispatch.DeliverTimeoutMs = defaults.Dispatch.DeliverTimeoutMs
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// applyEnvOverrides applies environment variable overrides to config.
// The APNS_* names match what existing deployments already export.
func applyEnvOverrides(cfg *Config) {
	if path := os.Getenv("NOPUSH_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if url := os.Getenv("NOPUSH_RELAY_URL"); url != "" {
		cfg.Mute.RelayURL = url
	}
	if keyPath := os.Getenv("APNS_PRIVATE_KEY_PATH"); keyPath != "" {
		cfg.APNS.KeyPath = keyPath
	}
	if keyID := os.Getenv("APNS_PRIVATE_KEY_ID"); keyID != "" {
		cfg.APNS.KeyID = keyID
	}
	if teamID := os.Getenv("APNS_TEAM_ID"); teamID != "" {
		cfg.APNS.TeamID = teamID
	}
	if topic := os.Getenv("NOPUSH_APNS_TOPIC"); topic != "" {
		cfg.APNS.Topic = topic
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads the config file when a path is given, otherwise
// builds a default configuration from environment overrides alone. Plugin
// deployments often run with nothing but APNS_* variables set.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnvOverrides(cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Validate checks configuration consistency
func Validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if cfg.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be at least 1, got %d", cfg.Dispatch.QueueSize)
	}
	if cfg.Dispatch.FreshnessWindowSeconds < 0 {
		return fmt.Errorf("dispatch.freshness_window_seconds must not be negative")
	}
	if cfg.Relay.Port < 1 || cfg.Relay.Port > 65535 {
		return fmt.Errorf("relay.port must be between 1 and 65535, got %d", cfg.Relay.Port)
	}
	if !strings.HasPrefix(cfg.Mute.RelayURL, "ws://") && !strings.HasPrefix(cfg.Mute.RelayURL, "wss://") {
		return fmt.Errorf("mute.relay_url must be a ws:// or wss:// URL, got %q", cfg.Mute.RelayURL)
	}
	return nil
}

// ValidateAPNS checks that push gateway credentials are complete. Split out
// of Validate so test and dry-run setups can load a config without key
// material.
func ValidateAPNS(cfg *APNS) error {
	if cfg.KeyPath == "" {
		return fmt.Errorf("apns.key_path (or APNS_PRIVATE_KEY_PATH) is required")
	}
	if cfg.KeyID == "" {
		return fmt.Errorf("apns.key_id (or APNS_PRIVATE_KEY_ID) is required")
	}
	if cfg.TeamID == "" {
		return fmt.Errorf("apns.team_id (or APNS_TEAM_ID) is required")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("apns.topic (or NOPUSH_APNS_TOPIC) is required")
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Package config handles configuration loading and management for taskcoord.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// Config holds all configuration for taskcoord.
type Config struct {
	Data      DataConfig      `mapstructure:"data"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Retention RetentionConfig `mapstructure:"retention"`
	TUI       TUIConfig       `mapstructure:"tui"`
	Log       LogConfig       `mapstructure:"log"`
}

// DataConfig locates the on-disk state.
type DataConfig struct {
	// Dir is the data directory holding the database and the spool.
	Dir string `mapstructure:"dir"`
}

// QueueConfig holds coordinator scheduling settings.
type QueueConfig struct {
	// MatchInterval is the backstop interval between matching passes.
	MatchInterval time.Duration `mapstructure:"match_interval"`
	// EventBuffer is the lifecycle event channel capacity.
	EventBuffer int `mapstructure:"event_buffer"`
}

// RetryConfig holds the default retry policy applied to submissions
// that carry none.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	// Definitions is the path to the workers.yaml pool definition file.
	// Empty means one local worker sized to the CPU count.
	Definitions string `mapstructure:"definitions"`
}

// RetentionConfig holds completed-task retention settings.
type RetentionConfig struct {
	// Schedule is a cron expression for the purge sweep; empty disables it.
	Schedule string `mapstructure:"schedule"`
	// Retain is how long completed and cancelled tasks are kept.
	Retain time.Duration `mapstructure:"retain"`
}

// TUIConfig holds dashboard display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum level emitted (debug, info, warn, error).
	Level string `mapstructure:"level"`
}

// DatabasePath returns the task database location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.Dir, "tasks.db")
}

// SpoolDir returns the submission spool location under the data directory.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.Data.Dir, "spool")
}

// RetryPolicy converts the configured retry settings into a queue policy.
func (c *Config) RetryPolicy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxRetries:    c.Retry.MaxRetries,
		BaseDelayMs:   c.Retry.BaseDelay.Milliseconds(),
		MaxDelayMs:    c.Retry.MaxDelay.Milliseconds(),
		BackoffFactor: c.Retry.BackoffFactor,
	}.Normalize()
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (TASKCOORD_*)
// 2. Project config (.taskcoord.yaml in current directory or parent)
// 3. User config (~/.config/taskcoord/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// TASKCOORD_DATA_DIR overrides data.dir, and so on for every key.
	v.SetEnvPrefix("taskcoord")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Data.Dir = os.ExpandEnv(cfg.Data.Dir)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Data.Dir = os.ExpandEnv(cfg.Data.Dir)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("data.dir", cfg.Data.Dir)
	v.Set("queue.match_interval", cfg.Queue.MatchInterval.String())
	v.Set("queue.event_buffer", cfg.Queue.EventBuffer)
	v.Set("retry.max_retries", cfg.Retry.MaxRetries)
	v.Set("retry.base_delay", cfg.Retry.BaseDelay.String())
	v.Set("retry.max_delay", cfg.Retry.MaxDelay.String())
	v.Set("retry.backoff_factor", cfg.Retry.BackoffFactor)
	v.Set("workers.definitions", cfg.Workers.Definitions)
	v.Set("retention.schedule", cfg.Retention.Schedule)
	v.Set("retention.retain", cfg.Retention.Retain.String())
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())
	v.Set("log.level", cfg.Log.Level)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data.dir", defaultDataDir())

	v.SetDefault("queue.match_interval", "1s")
	v.SetDefault("queue.event_buffer", 128)

	// Mirrors the queue's built-in policy.
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "1m")
	v.SetDefault("retry.backoff_factor", 2.0)

	v.SetDefault("workers.definitions", "")

	v.SetDefault("retention.schedule", "@hourly")
	v.SetDefault("retention.retain", "168h")

	v.SetDefault("tui.refresh_rate", "500ms")

	v.SetDefault("log.level", "info")
}

// getUserConfigDir returns the XDG config directory for taskcoord.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskcoord")
	}

	// Fall back to ~/.config/taskcoord
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskcoord")
	}
	return filepath.Join(home, ".config", "taskcoord")
}

// defaultDataDir returns the XDG data directory for taskcoord.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "taskcoord")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".taskcoord")
	}
	return filepath.Join(home, ".local", "share", "taskcoord")
}

// findProjectConfig searches for .taskcoord.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".taskcoord.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Dir: defaultDataDir(),
		},
		Queue: QueueConfig{
			MatchInterval: time.Second,
			EventBuffer:   128,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelay:     time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		},
		Retention: RetentionConfig{
			Schedule: "@hourly",
			Retain:   168 * time.Hour,
		},
		TUI: TUIConfig{
			RefreshRate: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

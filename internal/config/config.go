// Package config handles configuration loading for smartops.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for smartops.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Throttle     ThrottleConfig     `mapstructure:"throttle"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	AWS          AWSConfig          `mapstructure:"aws"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Debug        DebugConfig        `mapstructure:"debug"`
}

// AnthropicConfig holds planning model settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
}

// ThrottleConfig holds the outbound call guard settings.
type ThrottleConfig struct {
	MaxConcurrentCalls      int           `mapstructure:"max_concurrent_calls"`
	TokensPerSecond         float64       `mapstructure:"tokens_per_second"`
	MaxTokens               int           `mapstructure:"max_tokens"`
	CircuitBreakerEnabled   bool          `mapstructure:"circuit_breaker_enabled"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

// TrackerConfig holds async command tracking settings.
type TrackerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
}

// OrchestratorConfig holds conversation loop settings.
type OrchestratorConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	Temperature      float64       `mapstructure:"temperature"`
	SyncWaitTimeout  time.Duration `mapstructure:"sync_wait_timeout"`
	SyncPollInterval time.Duration `mapstructure:"sync_poll_interval"`
}

// AWSConfig holds AWS client settings.
type AWSConfig struct {
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// DebugConfig holds debug logging settings.
type DebugConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	LogFile string `mapstructure:"log_file"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, AWS_REGION)
// 2. Project config (.smartops.yaml in current directory or parent)
// 3. User config (~/.config/smartops/config.yaml)
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
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("aws.region", "AWS_REGION")
	v.BindEnv("aws.profile", "AWS_PROFILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
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

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Planning model defaults
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	// Throttle defaults
	v.SetDefault("throttle.max_concurrent_calls", 8)
	v.SetDefault("throttle.tokens_per_second", 15)
	v.SetDefault("throttle.max_tokens", 30)
	v.SetDefault("throttle.circuit_breaker_enabled", false)
	v.SetDefault("throttle.circuit_breaker_threshold", 100)
	v.SetDefault("throttle.circuit_breaker_timeout", "10s")

	// Tracker defaults
	v.SetDefault("tracker.poll_interval", "1s")
	v.SetDefault("tracker.default_timeout", "15m")
	v.SetDefault("tracker.base_backoff", "3s")
	v.SetDefault("tracker.max_backoff", "10s")
	v.SetDefault("tracker.backoff_factor", 1.2)

	// Orchestrator defaults
	v.SetDefault("orchestrator.max_iterations", 10)
	v.SetDefault("orchestrator.max_tokens", 4000)
	v.SetDefault("orchestrator.temperature", 0.3)
	v.SetDefault("orchestrator.sync_wait_timeout", "60s")
	v.SetDefault("orchestrator.sync_poll_interval", "2s")

	// AWS defaults
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")

	// Storage defaults: empty means the XDG data path
	v.SetDefault("storage.db_path", "")

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.log_file", "")
}

// getUserConfigDir returns the XDG config directory for smartops.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "smartops")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "smartops")
	}
	return filepath.Join(home, ".config", "smartops")
}

// findProjectConfig searches for .smartops.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".smartops.yaml")
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
		Throttle: ThrottleConfig{
			MaxConcurrentCalls:      8,
			TokensPerSecond:         15,
			MaxTokens:               30,
			CircuitBreakerEnabled:   false,
			CircuitBreakerThreshold: 100,
			CircuitBreakerTimeout:   10 * time.Second,
		},
		Tracker: TrackerConfig{
			PollInterval:   time.Second,
			DefaultTimeout: 15 * time.Minute,
			BaseBackoff:    3 * time.Second,
			MaxBackoff:     10 * time.Second,
			BackoffFactor:  1.2,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:    10,
			MaxTokens:        4000,
			Temperature:      0.3,
			SyncWaitTimeout:  60 * time.Second,
			SyncPollInterval: 2 * time.Second,
		},
	}
}

// Package config loads CLI configuration from XDG paths and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full CLI configuration.
type Config struct {
	Model      ModelConfig      `mapstructure:"model"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
	Turns      TurnConfig       `mapstructure:"turns"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Log        LogConfig        `mapstructure:"log"`
}

// ModelConfig selects the language-model provider.
type ModelConfig struct {
	// Provider is "anthropic", "openai" or "mock".
	Provider string `mapstructure:"provider"`
	// Name overrides the provider's default model.
	Name string `mapstructure:"name"`
	// AnthropicAPIKey falls back to ANTHROPIC_API_KEY.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	// OpenAIAPIKey falls back to OPENAI_API_KEY.
	OpenAIAPIKey string `mapstructure:"openai_api_key"`
}

// CalendarConfig holds the cal.com credentials.
type CalendarConfig struct {
	// APIKey falls back to CAL_API_KEY.
	APIKey string `mapstructure:"api_key"`
	// BaseURL overrides the API endpoint, mainly for testing.
	BaseURL string `mapstructure:"base_url"`
}

// TurnConfig tunes the turn controller.
type TurnConfig struct {
	MaxRoundTrips   int           `mapstructure:"max_round_trips"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	SystemPrompt    string        `mapstructure:"system_prompt"`
}

// CheckpointConfig selects the thread persistence backend.
type CheckpointConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `mapstructure:"backend"`
	// Path is the sqlite database file; empty uses the XDG data default.
	Path string `mapstructure:"path"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format"`
}

// Load reads configuration with the following precedence, highest first:
// environment variables, user config (~/.config/calagent/config.yaml),
// built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	v.AutomaticEnv()
	_ = v.BindEnv("model.anthropic_api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("model.openai_api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("calendar.api_key", "CAL_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.provider", "anthropic")
	v.SetDefault("turns.max_round_trips", 10)
	v.SetDefault("turns.max_parallel", 1)
	v.SetDefault("turns.approval_timeout", 0)
	v.SetDefault("checkpoint.backend", "sqlite")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "calagent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "calagent")
}

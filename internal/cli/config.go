package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds the CLI configuration.
type Config struct {
	Server string `mapstructure:"server"`
	APIKey string `mapstructure:"api_key"`
	Trace  bool   `mapstructure:"trace"`
	JSON   bool   `mapstructure:"json"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: "http://localhost:8080",
	}
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags (handled by caller)
// 2. Environment variables (GATECTL_SERVER, GATECTL_API_KEY)
// 3. Config file (~/.gatectl/config.yaml, then ./config.yaml)
// 4. Defaults
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".gatectl"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("GATECTL")
	v.AutomaticEnv()
	_ = v.BindEnv("server", "GATECTL_SERVER")
	_ = v.BindEnv("api_key", "GATECTL_API_KEY")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid for making API calls.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server URL is required")
	}
	return nil
}

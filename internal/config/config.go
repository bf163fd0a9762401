// Package config loads service configuration from a YAML file with an
// optional .env overlay. Environment variables win over file values, so
// deployments can keep secrets out of the config file.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FuseSpec declares one fuse instance to put in the catalog.
type FuseSpec struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // "moneymarket" (strategy) or "holdings" (balance)
}

// Config is the service configuration.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	Auth struct {
		// Keys maps API keys to role names.
		Keys map[string]string `yaml:"keys"`
		// Roles maps role names to permitted operations.
		Roles map[string][]string `yaml:"roles"`
	} `yaml:"auth"`

	// Quotes seeds the static quoter: substrate hex -> price in the
	// accounting unit.
	Quotes map[string]string `yaml:"quotes"`

	// Fuses declares the catalog of available fuse instances.
	Fuses []FuseSpec `yaml:"fuses"`
}

// Load reads the YAML file at path (if it exists), overlays .env, and
// applies environment overrides.
func Load(path string) (*Config, error) {
	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.RateLimit.RPS <= 0 {
		cfg.RateLimit.RPS = 50
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 100
	}
	return cfg, nil
}

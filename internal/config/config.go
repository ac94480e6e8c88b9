// Package config loads the YAML configuration file and supplies defaults
// for everything that is not set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	API      APIConfig      `yaml:"api"`
	Quota    QuotaConfig    `yaml:"quota"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the flow-state store. When Addr is empty the
// in-memory store is used instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OAuthConfig configures the authorization-code flow.
type OAuthConfig struct {
	CallbackURL  string `yaml:"callback_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// APIConfig configures the upstream entitlement check.
type APIConfig struct {
	ModelsURL string `yaml:"models_url"`
	Host      string `yaml:"host"`
	UserAgent string `yaml:"user_agent"`
}

// QuotaConfig holds the ledger policy constants. The recovery fraction and
// cadence are policy, not mechanism, so they live here rather than in code.
type QuotaConfig struct {
	DedicatedAllotment float64       `yaml:"dedicated_allotment"`
	SharedPerAccount   float64       `yaml:"shared_per_account"`
	RecoveryFraction   float64       `yaml:"recovery_fraction"`
	RecoveryInterval   time.Duration `yaml:"recovery_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8080},
		Database: DatabaseConfig{Path: "agpool.db"},
		OAuth: OAuthConfig{
			CallbackURL: "http://localhost:42532/oauth-callback",
		},
		API: APIConfig{
			ModelsURL: "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels",
			Host:      "cloudcode-pa.googleapis.com",
			UserAgent: "antigravity/1.11.9 windows/amd64",
		},
		Quota: QuotaConfig{
			DedicatedAllotment: 100,
			SharedPerAccount:   2,
			RecoveryFraction:   0.2,
			RecoveryInterval:   time.Hour,
		},
	}
}

// Load reads a YAML config file, falling back to defaults for anything the
// file leaves unset. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

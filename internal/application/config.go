// Package application carries the service-level configuration for the
// eagle-eye daemon. Slot schedule profiles live in internal/config.
package application

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSigningKeyEnv is consulted for the ledger HMAC key when the
// config file does not name another variable.
const DefaultSigningKeyEnv = "EAGLEEYE_SIGNING_KEY"

type ServiceConfig struct {
	Service struct {
		Name     string `yaml:"name"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Signing struct {
		// KeyEnv names the environment variable holding the HMAC key.
		// Key is an inline fallback for dev setups only.
		KeyEnv string `yaml:"key_env"`
		Key    string `yaml:"key"`
	} `yaml:"signing"`

	HTTP struct {
		Host                string  `yaml:"host"`
		Port                int     `yaml:"port"`
		ReadTimeoutSeconds  int     `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int     `yaml:"write_timeout_seconds"`
		RateLimitRPS        float64 `yaml:"rate_limit_rps"`
		RateLimitBurst      int     `yaml:"rate_limit_burst"`
	} `yaml:"http"`

	Scheduler struct {
		ProfilePath string `yaml:"profile_path"`
		// VerifyAt is the nightly integrity verification time, HH:MM
		// in the active profile's timezone. Empty disables the run.
		VerifyAt string `yaml:"verify_at"`
	} `yaml:"scheduler"`

	Archive struct {
		Enabled        bool   `yaml:"enabled"`
		DSN            string `yaml:"dsn"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"archive"`
}

// LoadServiceConfig loads and validates the service configuration
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service config: %w", err)
	}

	config := DefaultServiceConfig()
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("service config validation failed: %w", err)
	}

	return config, nil
}

// DefaultServiceConfig returns a runnable local configuration
func DefaultServiceConfig() *ServiceConfig {
	c := &ServiceConfig{}
	c.Service.Name = "eagle-eye"
	c.Service.LogLevel = "info"
	c.Redis.Addr = "localhost:6379"
	c.Redis.KeyPrefix = "eagleeye"
	c.Signing.KeyEnv = DefaultSigningKeyEnv
	c.HTTP.Host = "127.0.0.1"
	c.HTTP.Port = 8080
	c.HTTP.ReadTimeoutSeconds = 10
	c.HTTP.WriteTimeoutSeconds = 10
	c.HTTP.RateLimitRPS = 1
	c.HTTP.RateLimitBurst = 5
	c.Scheduler.ProfilePath = "config/slots.yaml"
	c.Scheduler.VerifyAt = "03:30"
	c.Archive.TimeoutSeconds = 10
	return c
}

// Validate checks the configuration for values that cannot work
func (c *ServiceConfig) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTP.Port)
	}
	if c.Scheduler.VerifyAt != "" {
		if _, err := time.Parse("15:04", c.Scheduler.VerifyAt); err != nil {
			return fmt.Errorf("scheduler verify_at %q is not HH:MM", c.Scheduler.VerifyAt)
		}
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		return fmt.Errorf("archive enabled but dsn is empty")
	}
	return nil
}

// SigningKey resolves the ledger HMAC key, environment first. An empty
// key is an error: an unsigned ledger proves nothing.
func (c *ServiceConfig) SigningKey() ([]byte, error) {
	env := c.Signing.KeyEnv
	if env == "" {
		env = DefaultSigningKeyEnv
	}
	if v := os.Getenv(env); v != "" {
		return []byte(v), nil
	}
	if c.Signing.Key != "" {
		return []byte(c.Signing.Key), nil
	}
	return nil, fmt.Errorf("signing key not set: export %s or set signing.key", env)
}

// ReadTimeout returns the HTTP read timeout as a duration
func (c *ServiceConfig) ReadTimeout() time.Duration {
	return time.Duration(c.HTTP.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the HTTP write timeout as a duration
func (c *ServiceConfig) WriteTimeout() time.Duration {
	return time.Duration(c.HTTP.WriteTimeoutSeconds) * time.Second
}

// ArchiveTimeout returns the archive statement timeout as a duration
func (c *ServiceConfig) ArchiveTimeout() time.Duration {
	return time.Duration(c.Archive.TimeoutSeconds) * time.Second
}

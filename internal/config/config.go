// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the capture server.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default ports for the SMTP listener and the inspection API.
const (
	defaultSMTPPort = 2525
	defaultHTTPPort = 8080
)

// defaultQueueSize bounds how many accepted connections may wait for a
// free session worker before the accept loop blocks.
const defaultQueueSize = 128

// Config holds the complete application configuration.
type Config struct {
	Bind    BindConfig    `yaml:"bind"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// BindConfig holds the listen host and ports.
type BindConfig struct {
	Host     string `yaml:"host"`
	SMTPPort int    `yaml:"smtp_port"`
	HTTPPort int    `yaml:"http_port"`
}

// SessionConfig holds session worker-pool tuning.
type SessionConfig struct {
	Workers            int `yaml:"workers"`
	QueueSize          int `yaml:"queue_size"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that ports fit in 16 bits and pool tuning is sane.
func (c *Config) Validate() error {
	if err := validatePort(c.Bind.SMTPPort); err != nil {
		return fmt.Errorf("invalid smtp port: %w", err)
	}
	if err := validatePort(c.Bind.HTTPPort); err != nil {
		return fmt.Errorf("invalid http port: %w", err)
	}
	if c.Session.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Session.Workers)
	}
	if c.Session.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative, got %d", c.Session.QueueSize)
	}
	if c.Session.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idle_timeout_seconds must not be negative, got %d", c.Session.IdleTimeoutSeconds)
	}
	return nil
}

// SMTPAddr returns the listen address for the SMTP server.
func (c *Config) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind.Host, c.Bind.SMTPPort)
}

// HTTPAddr returns the listen address for the inspection API.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind.Host, c.Bind.HTTPPort)
}

// IdleTimeout returns the per-session read deadline. Zero disables it.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSeconds) * time.Second
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Bind.Host = "localhost"
	c.Bind.SMTPPort = defaultSMTPPort
	c.Bind.HTTPPort = defaultHTTPPort
	c.Session.Workers = runtime.NumCPU()
	c.Session.QueueSize = defaultQueueSize
	c.Session.IdleTimeoutSeconds = 60
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("BIND_HOST"); v != "" {
		c.Bind.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Bind.SMTPPort = port
		}
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Bind.HTTPPort = port
		}
	}
	if v := os.Getenv("SESSION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.Workers = n
		}
	}
	if v := os.Getenv("SESSION_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.QueueSize = n
		}
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validatePort enforces the 16-bit unsigned port range.
func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}

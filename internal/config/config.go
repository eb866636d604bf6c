package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the complete application configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML config file, a .env file, and the process environment.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// TrustProxy derives the caller address from X-Forwarded-For / X-Real-IP.
	// Leave off unless the relay sits behind a proxy that sets them, otherwise
	// callers can pick their own rate-limit key.
	TrustProxy bool `mapstructure:"trust_proxy"`

	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// UpstreamConfig describes the chat completion provider.
type UpstreamConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AuthConfig holds the optional shared secret.
type AuthConfig struct {
	AppSecret string `mapstructure:"app_secret"`
}

// CORSConfig controls cross-origin access. Any origin is allowed unless
// Enforce is set and AllowedOrigin is non-empty.
type CORSConfig struct {
	AllowedOrigin string `mapstructure:"allowed_origin"`
	Enforce       bool   `mapstructure:"enforce"`
}

// Origins returns the origin allow-list to hand to the CORS middleware.
func (c CORSConfig) Origins() []string {
	origin := strings.TrimSpace(c.AllowedOrigin)
	if !c.Enforce || origin == "" {
		return []string{"*"}
	}
	return []string{origin}
}

// RateLimitConfig sets the per-caller admission window.
type RateLimitConfig struct {
	Requests      int           `mapstructure:"requests"`
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: simple, structured
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AdminConfig guards the operator signal endpoint. An empty Token disables it.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// Validate reports configuration the relay cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate_limit.requests must be positive, got %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window)
	}
	if c.Upstream.MaxTokens <= 0 {
		return fmt.Errorf("upstream.max_tokens must be positive, got %d", c.Upstream.MaxTokens)
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 2 {
		return fmt.Errorf("upstream.temperature must be within [0, 2], got %g", c.Upstream.Temperature)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	return nil
}

// Redacted returns a copy safe to print: secrets are replaced by a marker.
func (c Config) Redacted() Config {
	c.Upstream.APIKey = redact(c.Upstream.APIKey)
	c.Auth.AppSecret = redact(c.Auth.AppSecret)
	c.Admin.Token = redact(c.Admin.Token)
	return c
}

func redact(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return "(set)"
}

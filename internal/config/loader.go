// Package config provides centralized configuration management for ventrelay.
//
// Values are layered, lowest precedence first:
//  1. Built-in defaults (SetDefaults)
//  2. An optional YAML config file (explicit --config or the XDG config dir)
//  3. A .env file in the working directory
//  4. Process environment variables (getEnvSpecs)
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppName is used for XDG paths and as the base of EnvPrefix.
const AppName = "ventrelay"

// EnvPrefix namespaces every environment override except the few unprefixed
// variables the relay has always read (OPENAI_API_KEY, APP_SECRET,
// ALLOWED_ORIGIN, PORT).
const EnvPrefix = "VENTRELAY_"

// ErrMissingAPIKey is returned by Validate when no upstream credential is set.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is not set")

// EnvVarSpec defines environment variable mappings for config fields.
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 10000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.max_body_bytes", 100*1024)

	// Upstream defaults
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.base_url", "https://api.openai.com/v1")
	v.SetDefault("upstream.model", "gpt-3.5-turbo")
	v.SetDefault("upstream.max_tokens", 180)
	v.SetDefault("upstream.temperature", 0.95)
	v.SetDefault("upstream.timeout", "30s")

	v.SetDefault("auth.app_secret", "")

	v.SetDefault("cors.allowed_origin", "")
	v.SetDefault("cors.enforce", false)

	v.SetDefault("rate_limit.requests", 30)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.sweep_interval", "5m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("admin.token", "")
}

// getEnvSpecs maps environment variables to config paths. Later entries win
// when two variables target the same path.
func getEnvSpecs() []EnvVarSpec {
	return []EnvVarSpec{
		// Unprefixed names kept for existing deployments
		{Name: "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: "OPENAI_API_KEY", Path: []string{"upstream", "api_key"}, Type: EnvString},
		{Name: "APP_SECRET", Path: []string{"auth", "app_secret"}, Type: EnvString},
		{Name: "ALLOWED_ORIGIN", Path: []string{"cors", "allowed_origin"}, Type: EnvString},

		// Server config
		{Name: EnvPrefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: EnvPrefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by the decode hook
		{Name: EnvPrefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: EnvPrefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: EnvPrefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: EnvPrefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},
		{Name: EnvPrefix + "TRUST_PROXY", Path: []string{"server", "trust_proxy"}, Type: EnvBool},
		{Name: EnvPrefix + "MAX_BODY_BYTES", Path: []string{"server", "max_body_bytes"}, Type: EnvInt},

		// Upstream config
		{Name: EnvPrefix + "UPSTREAM_BASE_URL", Path: []string{"upstream", "base_url"}, Type: EnvString},
		{Name: EnvPrefix + "UPSTREAM_MODEL", Path: []string{"upstream", "model"}, Type: EnvString},
		{Name: EnvPrefix + "UPSTREAM_MAX_TOKENS", Path: []string{"upstream", "max_tokens"}, Type: EnvInt},
		{Name: EnvPrefix + "UPSTREAM_TEMPERATURE", Path: []string{"upstream", "temperature"}, Type: EnvString},
		{Name: EnvPrefix + "UPSTREAM_TIMEOUT", Path: []string{"upstream", "timeout"}, Type: EnvString},

		{Name: EnvPrefix + "CORS_ENFORCE", Path: []string{"cors", "enforce"}, Type: EnvBool},

		{Name: EnvPrefix + "RATE_LIMIT_REQUESTS", Path: []string{"rate_limit", "requests"}, Type: EnvInt},
		{Name: EnvPrefix + "RATE_LIMIT_WINDOW", Path: []string{"rate_limit", "window"}, Type: EnvString},
		{Name: EnvPrefix + "RATE_LIMIT_SWEEP_INTERVAL", Path: []string{"rate_limit", "sweep_interval"}, Type: EnvString},

		// Logging config
		{Name: EnvPrefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: EnvPrefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Metrics config
		{Name: EnvPrefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: EnvPrefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		{Name: EnvPrefix + "ADMIN_TOKEN", Path: []string{"admin", "token"}, Type: EnvString},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are left alone and a missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from v. Defaults are registered on v, environment
// overrides are merged over whatever config file v has already read, and the
// result is decoded into the typed struct.
//
// Each call returns a fresh Config, so it can be repeated on reload.
func Load(ctx context.Context, v *viper.Viper) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v == nil {
		v = viper.New()
	}

	SetDefaults(v)

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if len(envOverrides) > 0 {
		if err := v.MergeConfigMap(envOverrides); err != nil {
			return nil, fmt.Errorf("failed to merge environment overrides: %w", err)
		}
	}

	return decode(v.AllSettings())
}

func decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := DefaultConfigDir()
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

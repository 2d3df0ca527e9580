// Package config loads service settings: built-in defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL       string        `yaml:"databaseUrl"       envconfig:"DATABASE_URL"`
	Port              string        `yaml:"port"              envconfig:"PORT"`
	JWTSecret         string        `yaml:"jwtSecret"         envconfig:"JWT_SECRET"`
	CORSOrigins       []string      `yaml:"corsOrigins"       envconfig:"CORS_ORIGINS"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"    envconfig:"REQUEST_TIMEOUT"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval" envconfig:"RECONCILE_INTERVAL"`
	MaxWorkers        int           `yaml:"maxWorkers"        envconfig:"MAX_WORKERS"`
	Debug             bool          `yaml:"debug"             envconfig:"DEBUG"`
}

// ErrMissingSecret is returned when no JWT secret was configured.
var ErrMissingSecret = errors.New("JWT_SECRET is required")

func defaults() *Config {
	return &Config{
		DatabaseURL:    "postgres://localhost:5432/joycircle?sslmode=disable",
		Port:           "8080",
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: 10 * time.Second,
		MaxWorkers:     4,
	}
}

// Load builds the configuration. path may be empty; a missing file at a
// non-empty path is an error.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile interval must not be negative, got %s", c.ReconcileInterval)
	}
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	return nil
}

// RequireSecret fails when no JWT secret is configured. The API server and
// token issuing need one; other coinctl commands do not.
func (c *Config) RequireSecret() error {
	if c.JWTSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

type ctxKey struct{}

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ctxKey{}, cfg)
}

// FromContext returns the config stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(ctxKey{}).(*Config)
	return cfg
}

// LogLevel is debug when Debug is set, info otherwise.
func (c *Config) LogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Package config provides centralized configuration loading for the
// simulation engine's CLI and optional HTTP surface. It reads
// configuration from environment variables with sensible defaults and
// validation to fail fast on misconfiguration.
//
// Environment variable naming convention:
//   - KIGALISIM_* prefix for application-specific settings
//   - Standard names (PORT, APP_ENV) for platform conventions
//
// KIGALISIM_CONFIG_FILE optionally names a YAML file providing defaults
// beneath the environment variables above; any field present in both
// is decided by the environment variable.
//
// Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatalf("configuration error: %v", err)
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Environment Constants
// =============================================================================

const (
	// EnvDevelopment is the development environment.
	EnvDevelopment = "development"

	// EnvStaging is the staging/preview environment.
	EnvStaging = "staging"

	// EnvProduction is the production environment.
	EnvProduction = "production"

	// EnvTest is the test environment.
	EnvTest = "test"
)

// =============================================================================
// Default Values
// =============================================================================

const (
	defaultHTTPPort      = 8090 // Avoids conflict with common services (80, 8080)
	defaultEnv           = EnvDevelopment
	defaultReadTimeout   = 30 * time.Second
	defaultWriteTimeout  = 30 * time.Second
	defaultIdleTimeout   = 120 * time.Second
	defaultMaxReplicates = 1000
	defaultMaxYearSpan   = 200
)

const (
	envHTTPPort      = "KIGALISIM_HTTP_PORT"
	envPortFallback  = "PORT"
	envAppEnv        = "KIGALISIM_ENV"
	envAppEnvLegacy  = "APP_ENV"
	envReadTimeout   = "KIGALISIM_READ_TIMEOUT"
	envWriteTimeout  = "KIGALISIM_WRITE_TIMEOUT"
	envIdleTimeout   = "KIGALISIM_IDLE_TIMEOUT"
	envTrustedProxies = "KIGALISIM_TRUSTED_PROXIES"

	envAPIKey    = "KIGALISIM_API_KEY"
	envJWTSecret = "KIGALISIM_JWT_SECRET"

	envMaxReplicates = "KIGALISIM_MAX_REPLICATES"
	envMaxYearSpan   = "KIGALISIM_MAX_YEAR_SPAN"

	envEnableMetrics = "KIGALISIM_ENABLE_METRICS"
	envEnableTracing = "KIGALISIM_ENABLE_TRACING"

	envConfigFile = "KIGALISIM_CONFIG_FILE"
)

// =============================================================================
// Config Structure
// =============================================================================

// Config is the root configuration for the CLI and the optional HTTP
// surface. Fields are grouped by domain for clarity.
type Config struct {
	// Server holds HTTP server configuration (used only by cmd/api).
	Server ServerConfig

	// Auth holds the optional shared-secret authentication for the
	// HTTP surface.
	Auth AuthConfig

	// Engine holds engine-wide execution limits.
	Engine EngineConfig

	// Features holds feature flag configuration.
	Features FeatureConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Port is the HTTP server listen port.
	Port int `json:"port"`

	// Env is the application environment (development, staging, production).
	Env string `json:"env"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration `json:"write_timeout"`

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration `json:"idle_timeout"`

	// TrustedProxies is a list of trusted proxy IP addresses/CIDRs.
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
}

// AuthConfig holds authentication settings for the HTTP surface.
type AuthConfig struct {
	// APIKey is the static API key for basic authentication.
	APIKey string `json:"-"`

	// JWTSecret is the secret key for signing JWT tokens, used if the
	// HTTP surface is deployed behind session-based auth.
	JWTSecret string `json:"-"`

	HasAPIKey    bool `json:"has_api_key"`
	HasJWTSecret bool `json:"has_jwt_secret"`
}

// EngineConfig holds operational limits, independent of anything a
// script itself requests. cmd/cli checks MaxReplicates before running;
// MaxYearSpan is not checked by any entry point, and cmd/api checks
// neither limit.
type EngineConfig struct {
	// MaxReplicates caps the `-r` replicate count a CLI invocation may
	// request, guarding against an accidental multi-hour run.
	MaxReplicates int `json:"max_replicates"`

	// MaxYearSpan is the configured ceiling on endYear-startYear for a
	// scenario; scripts are not compared against it.
	MaxYearSpan int `json:"max_year_span"`
}

// FeatureConfig holds feature flag configuration.
type FeatureConfig struct {
	EnableMetrics bool `json:"enable_metrics"`
	EnableTracing bool `json:"enable_tracing"`
}

// =============================================================================
// Configuration Loading
// =============================================================================

// fileOverrides is the subset of Config that may be supplied via a YAML
// file referenced by KIGALISIM_CONFIG_FILE. Pointer/zero-value fields
// left absent from the file are not applied, so environment variables
// always take precedence over the file, and the file always takes
// precedence over the package defaults.
type fileOverrides struct {
	Port          *int    `yaml:"port"`
	Env           *string `yaml:"env"`
	MaxReplicates *int    `yaml:"maxReplicates"`
	MaxYearSpan   *int    `yaml:"maxYearSpan"`
	EnableMetrics *bool   `yaml:"enableMetrics"`
	EnableTracing *bool   `yaml:"enableTracing"`
}

func loadFileOverrides() (fileOverrides, error) {
	path := strings.TrimSpace(os.Getenv(envConfigFile))
	if path == "" {
		return fileOverrides{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileOverrides{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fo fileOverrides
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return fileOverrides{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fo, nil
}

// Load reads configuration from an optional YAML file
// (KIGALISIM_CONFIG_FILE) and from environment variables, and returns a
// validated Config. Environment variables always win over the file.
// Returns an error if required configuration is missing or invalid in
// production, or if the config file is present but unreadable/invalid.
func Load() (Config, error) {
	fo, err := loadFileOverrides()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server:   loadServerConfig(fo),
		Auth:     loadAuthConfig(),
		Engine:   loadEngineConfig(fo),
		Features: loadFeatureConfig(fo),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics on error.
// Use only in main() or initialization code where panicking is appropriate.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("config: failed to load: %v", err))
	}
	return cfg
}

// =============================================================================
// Section Loaders
// =============================================================================

func loadServerConfig(fo fileOverrides) ServerConfig {
	port := defaultHTTPPort
	if fo.Port != nil {
		port = *fo.Port
	}
	if raw := getEnvWithFallback(envHTTPPort, envPortFallback); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 && p < 65536 {
			port = p
		}
	}

	env := defaultEnv
	if fo.Env != nil {
		env = *fo.Env
	}
	if raw := getEnvWithFallback(envAppEnv, envAppEnvLegacy); raw != "" {
		env = raw
	}

	return ServerConfig{
		Port:           port,
		Env:            normalizeEnv(env),
		ReadTimeout:    getDurationEnv(envReadTimeout, defaultReadTimeout),
		WriteTimeout:   getDurationEnv(envWriteTimeout, defaultWriteTimeout),
		IdleTimeout:    getDurationEnv(envIdleTimeout, defaultIdleTimeout),
		TrustedProxies: getStringSliceEnv(envTrustedProxies),
	}
}

func loadAuthConfig() AuthConfig {
	apiKey := strings.TrimSpace(os.Getenv(envAPIKey))
	jwtSecret := strings.TrimSpace(os.Getenv(envJWTSecret))

	return AuthConfig{
		APIKey:       apiKey,
		JWTSecret:    jwtSecret,
		HasAPIKey:    apiKey != "",
		HasJWTSecret: jwtSecret != "",
	}
}

func loadEngineConfig(fo fileOverrides) EngineConfig {
	maxReplicates := defaultMaxReplicates
	if fo.MaxReplicates != nil {
		maxReplicates = *fo.MaxReplicates
	}
	maxYearSpan := defaultMaxYearSpan
	if fo.MaxYearSpan != nil {
		maxYearSpan = *fo.MaxYearSpan
	}
	return EngineConfig{
		MaxReplicates: getIntEnv(envMaxReplicates, maxReplicates),
		MaxYearSpan:   getIntEnv(envMaxYearSpan, maxYearSpan),
	}
}

func loadFeatureConfig(fo fileOverrides) FeatureConfig {
	enableMetrics := true
	if fo.EnableMetrics != nil {
		enableMetrics = *fo.EnableMetrics
	}
	enableTracing := false
	if fo.EnableTracing != nil {
		enableTracing = *fo.EnableTracing
	}
	return FeatureConfig{
		EnableMetrics: getBoolEnv(envEnableMetrics, enableMetrics),
		EnableTracing: getBoolEnv(envEnableTracing, enableTracing),
	}
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks that the configuration is valid. In production, this
// enforces stricter requirements.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}
	if c.Engine.MaxReplicates <= 0 {
		errs = append(errs, errors.New("max replicates must be positive"))
	}
	if c.Engine.MaxYearSpan <= 0 {
		errs = append(errs, errors.New("max year span must be positive"))
	}

	if c.IsProduction() {
		if !c.Auth.HasJWTSecret {
			errs = append(errs, errors.New("JWT secret required in production"))
		}
		if len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT secret must be at least 32 characters"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// Helper Methods
// =============================================================================

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool { return c.Server.Env == EnvProduction }

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool { return c.Server.Env == EnvDevelopment }

// IsTest returns true if running in test environment.
func (c Config) IsTest() bool { return c.Server.Env == EnvTest }

// ServerAddress returns the full server address (e.g., ":8090").
func (c Config) ServerAddress() string { return fmt.Sprintf(":%d", c.Server.Port) }

// =============================================================================
// Environment Variable Helpers
// =============================================================================

func getEnvWithFallback(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func getIntEnv(key string, defaultVal int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil {
			return val
		}
	}
	return defaultVal
}

// getBoolEnv returns a boolean from an environment variable, or the
// default. Accepts: true, false, 1, 0, yes, no, on, off
// (case-insensitive).
func getBoolEnv(key string, defaultVal bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultVal
	}
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if val, err := time.ParseDuration(raw); err == nil {
			return val
		}
	}
	return defaultVal
}

func getStringSliceEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func normalizeEnv(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return EnvProduction
	case "staging", "stage", "preview":
		return EnvStaging
	case "test", "testing":
		return EnvTest
	default:
		return EnvDevelopment
	}
}

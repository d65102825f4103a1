// Package config loads gateway and transport configuration from environment
// variables with optional command-line overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// LoadOptions holds command-line overrides.
type LoadOptions struct {
	Host              string
	Port              string
	LogLevel          string
	SkipTLSValidation bool
	TLSServerName     string
	UseNLA            bool
}

// ServerConfig configures the gateway HTTP server.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// TransportConfig configures the RDP transport itself.
type TransportConfig struct {
	DialTimeout time.Duration
	BufferSize  int
}

// SecurityConfig holds the TLS and NLA settings applied to outbound RDP
// connections.
type SecurityConfig struct {
	AllowedOrigins    []string
	SkipTLSValidation bool
	TLSServerName     string
	MinTLSVersion     string
	UseNLA            bool
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides reads configuration, letting command-line options win
// over the environment.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         overrideOrEnv(opts.Host, "SERVER_HOST", "0.0.0.0"),
			Port:         overrideOrEnv(opts.Port, "SERVER_PORT", "8080"),
			ReadTimeout:  envDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: envDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Transport: TransportConfig{
			DialTimeout: envDuration("RDP_DIAL_TIMEOUT", 5*time.Second),
			BufferSize:  envInt("RDP_BUFFER_SIZE", 16*1024),
		},
		Security: SecurityConfig{
			AllowedOrigins:    envStringSlice("ALLOWED_ORIGINS"),
			SkipTLSValidation: envBool("SKIP_TLS_VALIDATION", false) || opts.SkipTLSValidation,
			TLSServerName:     overrideOrEnv(opts.TLSServerName, "TLS_SERVER_NAME", ""),
			MinTLSVersion:     envString("MIN_TLS_VERSION", "1.2"),
			UseNLA:            envBool("USE_NLA", true) || opts.UseNLA,
		},
		Logging: LoggingConfig{
			Level: overrideOrEnv(opts.LogLevel, "LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", c.Server.Port)
	}

	if c.Transport.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}

	if c.Transport.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}

	switch c.Security.MinTLSVersion {
	case "1.0", "1.1", "1.2", "1.3":
	default:
		return fmt.Errorf("invalid minimum TLS version: %s", c.Security.MinTLSVersion)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}

	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}

	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}

	return fallback
}

func envStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}

func overrideOrEnv(override, key, fallback string) string {
	if override != "" {
		return override
	}

	return envString(key, fallback)
}

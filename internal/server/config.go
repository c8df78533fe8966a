// Package server provides configuration helpers that define runtime defaults,
// validation, and file/environment loading for the chat service.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config holds the server configuration settings.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	OutboundBuffer  int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
	MetricsPath     string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Addr: "127.0.0.1:8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  4096,
		OutboundBuffer:  256,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		MetricsPath:     "/metrics",
	}
}

// PingInterval is how often the server pings an active session. It stays
// below PongTimeout so a healthy peer always answers in time.
func (c Config) PingInterval() time.Duration {
	return c.PongTimeout * 9 / 10
}

// Sanitize replaces invalid values with defaults and normalizes origins.
func (c Config) Sanitize() Config {
	defaults := DefaultConfig()

	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = defaults.Addr
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = defaults.OutboundBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaults.PongTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaults.LogFormat
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		c.MetricsPath = "/" + c.MetricsPath
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// fileConfig mirrors the TOML file layout.
type fileConfig struct {
	Server   serverSection   `toml:"server"`
	Limits   limitsSection   `toml:"limits"`
	Timeouts timeoutsSection `toml:"timeouts"`
	Log      logSection      `toml:"log"`
	Metrics  metricsSection  `toml:"metrics"`
}

type serverSection struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type limitsSection struct {
	MaxMessageSize int64 `toml:"max_message_size"`
	OutboundBuffer int   `toml:"outbound_buffer"`
}

type timeoutsSection struct {
	Write    time.Duration `toml:"write"`
	Pong     time.Duration `toml:"pong"`
	Shutdown time.Duration `toml:"shutdown"`
}

type logSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type metricsSection struct {
	Path string `toml:"path"`
}

func toFileConfig(cfg Config) fileConfig {
	return fileConfig{
		Server:   serverSection{Addr: cfg.Addr, AllowedOrigins: cfg.AllowedOrigins},
		Limits:   limitsSection{MaxMessageSize: cfg.MaxMessageSize, OutboundBuffer: cfg.OutboundBuffer},
		Timeouts: timeoutsSection{Write: cfg.WriteTimeout, Pong: cfg.PongTimeout, Shutdown: cfg.ShutdownTimeout},
		Log:      logSection{Level: cfg.LogLevel, Format: cfg.LogFormat},
		Metrics:  metricsSection{Path: cfg.MetricsPath},
	}
}

func (f fileConfig) apply(cfg Config) Config {
	cfg.Addr = f.Server.Addr
	cfg.AllowedOrigins = f.Server.AllowedOrigins
	cfg.MaxMessageSize = f.Limits.MaxMessageSize
	cfg.OutboundBuffer = f.Limits.OutboundBuffer
	cfg.WriteTimeout = f.Timeouts.Write
	cfg.PongTimeout = f.Timeouts.Pong
	cfg.ShutdownTimeout = f.Timeouts.Shutdown
	cfg.LogLevel = f.Log.Level
	cfg.LogFormat = f.Log.Format
	cfg.MetricsPath = f.Metrics.Path
	return cfg
}

// envConfig lists the environment overrides. Unset variables leave the
// prefilled value untouched.
type envConfig struct {
	Addr            string        `env:"CHAT_ADDR"`
	AllowedOrigins  string        `env:"CHAT_ALLOWED_ORIGINS"`
	MaxMessageSize  int64         `env:"CHAT_MAX_MESSAGE_SIZE"`
	OutboundBuffer  int           `env:"CHAT_OUTBOUND_BUFFER"`
	WriteTimeout    time.Duration `env:"CHAT_WRITE_TIMEOUT"`
	PongTimeout     time.Duration `env:"CHAT_PONG_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT"`
	LogLevel        string        `env:"LOG_LEVEL"`
	LogFormat       string        `env:"LOG_FORMAT"`
	MetricsPath     string        `env:"CHAT_METRICS_PATH"`
}

// LoadConfig builds the effective configuration: defaults, then the TOML
// file at path (created with defaults when missing, skipped when path is
// empty), then a .env file in the working directory, then the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		var err error
		cfg, err = applyFile(cfg, path)
		if err != nil {
			return Config{}, err
		}
	}

	// A missing .env file is the common case.
	_ = godotenv.Load()

	cfg, err := applyEnv(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg.Sanitize(), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

func applyFile(cfg Config, path string) (Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// An unwritable location still lets the server start on defaults.
		_ = WriteDefaultConfig(path)
		return cfg, nil
	}

	fc := toFileConfig(cfg)
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return fc.apply(cfg), nil
}

func applyEnv(cfg Config) (Config, error) {
	ec := envConfig{
		Addr:            cfg.Addr,
		AllowedOrigins:  strings.Join(cfg.AllowedOrigins, ","),
		MaxMessageSize:  cfg.MaxMessageSize,
		OutboundBuffer:  cfg.OutboundBuffer,
		WriteTimeout:    cfg.WriteTimeout,
		PongTimeout:     cfg.PongTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		LogLevel:        cfg.LogLevel,
		LogFormat:       cfg.LogFormat,
		MetricsPath:     cfg.MetricsPath,
	}

	if err := env.Load(&ec, nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.Addr = ec.Addr
	cfg.AllowedOrigins = parseOrigins(ec.AllowedOrigins)
	cfg.MaxMessageSize = ec.MaxMessageSize
	cfg.OutboundBuffer = ec.OutboundBuffer
	cfg.WriteTimeout = ec.WriteTimeout
	cfg.PongTimeout = ec.PongTimeout
	cfg.ShutdownTimeout = ec.ShutdownTimeout
	cfg.LogLevel = ec.LogLevel
	cfg.LogFormat = ec.LogFormat
	cfg.MetricsPath = ec.MetricsPath
	return cfg, nil
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// WriteDefaultConfig writes the default configuration as TOML to path.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := "# Chat server configuration\n# Durations accept Go syntax such as \"10s\" or \"1m\".\n\n"
	if _, err := f.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	if err := toml.NewEncoder(f).Encode(toFileConfig(DefaultConfig())); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

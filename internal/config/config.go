// ABOUTME: Configuration loading and parsing for supportchat-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, SUPPORTCHAT_* env overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SUPPORTCHAT_DATABASE_PATH.
const EnvPrefix = "SUPPORTCHAT_"

// Config represents the complete supportchat-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig  `yaml:"database" toml:"database" envPrefix:"DATABASE_"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	Responder ResponderConfig `yaml:"responder" toml:"responder" envPrefix:"RESPONDER_"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime" envPrefix:"REALTIME_"`
	Widget    WidgetConfig    `yaml:"widget" toml:"widget" envPrefix:"WIDGET_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOGGING_"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs operator tokens. Empty disables the admin API.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
	// ResponderSecret is the shared secret the automation engine sends on callbacks.
	ResponderSecret string `yaml:"responder_secret" toml:"responder_secret" env:"RESPONDER_SECRET"`
}

// ResponderConfig holds the automation engine webhook settings
type ResponderConfig struct {
	URL         string        `yaml:"url" toml:"url" env:"URL"`
	Timeout     time.Duration `yaml:"-" toml:"-"`
	CallbackTTL time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw     string `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
	CallbackTTLRaw string `yaml:"callback_ttl" toml:"callback_ttl" env:"CALLBACK_TTL"`
}

// RealtimeConfig selects the insert feed. Empty RedisURL means in-process.
type RealtimeConfig struct {
	RedisURL string `yaml:"redis_url" toml:"redis_url" env:"REDIS_URL"`
}

// WidgetConfig holds session and reply timing for widget clients
type WidgetConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	WelcomeMessage string        `yaml:"welcome_message" toml:"welcome_message" env:"WELCOME_MESSAGE"`
	ReplyTimeout   time.Duration `yaml:"-" toml:"-"`
	RetryDelay     time.Duration `yaml:"-" toml:"-"`
	UnloadTimeout  time.Duration `yaml:"-" toml:"-"`

	ReplyTimeoutRaw  string `yaml:"reply_timeout" toml:"reply_timeout" env:"REPLY_TIMEOUT"`
	RetryDelayRaw    string `yaml:"retry_delay" toml:"retry_delay" env:"RETRY_DELAY"`
	UnloadTimeoutRaw string `yaml:"unload_timeout" toml:"unload_timeout" env:"UNLOAD_TIMEOUT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" toml:"path" env:"PATH"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then
// SUPPORTCHAT_* variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return finish(&cfg)
}

// FromEnv builds a Config from defaults and SUPPORTCHAT_* variables only.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Responder.Timeout == 0 {
		c.Responder.Timeout = 30 * time.Second
	}
	if c.Responder.CallbackTTL == 0 {
		c.Responder.CallbackTTL = 10 * time.Minute
	}
	if c.Widget.ReplyTimeout == 0 {
		c.Widget.ReplyTimeout = 30 * time.Second
	}
	if c.Widget.RetryDelay == 0 {
		c.Widget.RetryDelay = 500 * time.Millisecond
	}
	if c.Widget.UnloadTimeout == 0 {
		c.Widget.UnloadTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Responder.URL != "" &&
		!strings.HasPrefix(c.Responder.URL, "http://") &&
		!strings.HasPrefix(c.Responder.URL, "https://") {
		return fmt.Errorf("responder.url must be an http(s) URL, got %q", c.Responder.URL)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	if c.Realtime.RedisURL != "" &&
		!strings.HasPrefix(c.Realtime.RedisURL, "redis://") &&
		!strings.HasPrefix(c.Realtime.RedisURL, "rediss://") {
		return fmt.Errorf("realtime.redis_url must start with redis:// or rediss://")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"responder.timeout", cfg.Responder.TimeoutRaw, &cfg.Responder.Timeout},
		{"responder.callback_ttl", cfg.Responder.CallbackTTLRaw, &cfg.Responder.CallbackTTL},
		{"widget.reply_timeout", cfg.Widget.ReplyTimeoutRaw, &cfg.Widget.ReplyTimeout},
		{"widget.retry_delay", cfg.Widget.RetryDelayRaw, &cfg.Widget.RetryDelay},
		{"widget.unload_timeout", cfg.Widget.UnloadTimeoutRaw, &cfg.Widget.UnloadTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// Locate returns the first existing config file: $SUPPORTCHAT_CONFIG,
// ./config.yaml, ./config.toml, then ~/.config/supportchat/gateway.yaml.
// An empty result means none was found.
func Locate() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}

	candidates := []string{"config.yaml", "config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "supportchat", "gateway.yaml"))
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

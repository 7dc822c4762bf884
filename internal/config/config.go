// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Backend   BackendConfig   `yaml:"backend"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Relay     RelayConfig     `yaml:"relay"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds credential store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// StoreKey, when set, seals session blobs at rest.
	StoreKey string `yaml:"store_key"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	// GatewaySecret is the shared secret accepted in X-Gateway-Secret.
	GatewaySecret string `yaml:"gateway_secret"`
	// JWTSecret, when set, additionally accepts HS256 bearer tokens.
	JWTSecret string `yaml:"jwt_secret"`
}

// BackendConfig holds the downstream backend configuration
type BackendConfig struct {
	// WebhookURL receives inbound events and session alerts.
	WebhookURL string `yaml:"webhook_url"`
}

// ProtocolConfig selects and configures the messaging network driver
type ProtocolConfig struct {
	// Driver is "matrix", "telegram", or "fake" (local development).
	Driver string `yaml:"driver"`
	// Homeserver is required for the matrix driver.
	Homeserver string `yaml:"homeserver"`
}

// SessionsConfig holds session pool tuning
type SessionsConfig struct {
	HealthInterval  time.Duration `yaml:"-"`
	ConnectTimeout  time.Duration `yaml:"-"`
	ReconnectBudget int           `yaml:"reconnect_budget"`
	WorkerBudget    int           `yaml:"worker_budget"`
	ArtifactDir     string        `yaml:"artifact_dir"`

	// Raw string values for YAML unmarshaling
	HealthIntervalRaw string `yaml:"health_interval"`
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
}

// RelayConfig holds inbound delivery tuning
type RelayConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	PostTimeout time.Duration `yaml:"-"`
	DedupeTTL   time.Duration `yaml:"-"`

	PostTimeoutRaw string `yaml:"post_timeout"`
	DedupeTTLRaw   string `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listener address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Backend.WebhookURL == "" {
		return fmt.Errorf("backend.webhook_url is required")
	}

	switch c.Protocol.Driver {
	case "matrix":
		if c.Protocol.Homeserver == "" {
			return fmt.Errorf("protocol.homeserver is required for the matrix driver")
		}
	case "telegram", "fake":
	case "":
		return fmt.Errorf("protocol.driver is required")
	default:
		return fmt.Errorf("unknown protocol.driver %q", c.Protocol.Driver)
	}

	if c.Auth.GatewaySecret == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.gateway_secret or auth.jwt_secret is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Sessions.HealthIntervalRaw, &cfg.Sessions.HealthInterval, "health_interval"},
		{cfg.Sessions.ConnectTimeoutRaw, &cfg.Sessions.ConnectTimeout, "connect_timeout"},
		{cfg.Relay.PostTimeoutRaw, &cfg.Relay.PostTimeout, "post_timeout"},
		{cfg.Relay.DedupeTTLRaw, &cfg.Relay.DedupeTTL, "dedupe_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

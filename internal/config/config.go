// ABOUTME: Configuration loading and parsing for omni-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultDatabasePath     = ":memory:"
	DefaultOperatorTokenTTL = time.Hour
	DefaultCommandTimeout   = 15 * time.Second
	DefaultWriteTimeout     = 5 * time.Second

	// MinSecretLength is the shortest accepted auth.jwt_secret.
	MinSecretLength = 32
)

// Config represents the complete omni-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration. GRPCAddr is optional;
// when set, a gRPC health service listens there.
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr       string   `yaml:"grpc_addr" toml:"grpc_addr"`
	OriginPatterns []string `yaml:"origin_patterns" toml:"origin_patterns"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve :443 with Tailscale certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds the audit database location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds token signing and operator accounts
type AuthConfig struct {
	JWTSecret        string           `yaml:"jwt_secret" toml:"jwt_secret"`
	OperatorTokenTTL time.Duration    `yaml:"-" toml:"-"`
	Operators        []OperatorConfig `yaml:"operators" toml:"operators"`

	OperatorTokenTTLRaw string `yaml:"operator_token_ttl" toml:"operator_token_ttl"`
}

// OperatorConfig is one operator account allowed to log in via /auth/token.
type OperatorConfig struct {
	ID           string   `yaml:"id" toml:"id"`
	Email        string   `yaml:"email" toml:"email"`
	PasswordHash string   `yaml:"password_hash" toml:"password_hash"` // bcrypt; empty means email-only
	Roles        []string `yaml:"roles" toml:"roles"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	CommandTimeout time.Duration `yaml:"-" toml:"-"`
	WriteTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	CommandTimeoutRaw string `yaml:"command_timeout" toml:"command_timeout"`
	WriteTimeoutRaw   string `yaml:"write_timeout" toml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills empty fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Auth.OperatorTokenTTL == 0 {
		c.Auth.OperatorTokenTTL = DefaultOperatorTokenTTL
	}
	if c.Agents.CommandTimeout == 0 {
		c.Agents.CommandTimeout = DefaultCommandTimeout
	}
	if c.Agents.WriteTimeout == 0 {
		c.Agents.WriteTimeout = DefaultWriteTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (set OMNI_JWT_SECRET)")
	}
	if len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretLength)
	}

	seen := make(map[string]bool, len(c.Auth.Operators))
	for i, op := range c.Auth.Operators {
		if op.ID == "" || op.Email == "" {
			return fmt.Errorf("auth.operators[%d]: id and email are required", i)
		}
		key := strings.ToLower(op.Email)
		if seen[key] {
			return fmt.Errorf("auth.operators[%d]: duplicate email %q", i, op.Email)
		}
		seen[key] = true
	}

	if c.Agents.CommandTimeout < 0 || c.Agents.WriteTimeout < 0 {
		return errors.New("agents timeouts must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
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
		{"auth.operator_token_ttl", cfg.Auth.OperatorTokenTTLRaw, &cfg.Auth.OperatorTokenTTL},
		{"agents.command_timeout", cfg.Agents.CommandTimeoutRaw, &cfg.Agents.CommandTimeout},
		{"agents.write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
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

// DefaultPath returns the config file location: $OMNI_CONFIG if set, else
// omni/gateway.yaml under $XDG_CONFIG_HOME or ~/.config.
func DefaultPath() string {
	if p := os.Getenv("OMNI_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "omni", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "omni", "gateway.yaml")
	}
	return filepath.Join(home, ".config", "omni", "gateway.yaml")
}

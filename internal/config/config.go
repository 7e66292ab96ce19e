// ABOUTME: Configuration loading and parsing for mcpd
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no --config flag is given.
const EnvConfigPath = "MCPD_CONFIG"

// Binding names accepted by server.binding.
const (
	BindingStdio      = "stdio"
	BindingSSE        = "sse"
	BindingStreamable = "streamable"
)

// Config represents the complete mcpd configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	SSE        SSEConfig        `yaml:"sse" toml:"sse"`
	Streamable StreamableConfig `yaml:"streamable" toml:"streamable"`
	Shutdown   ShutdownConfig   `yaml:"shutdown" toml:"shutdown"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	CORS       CORSConfig       `yaml:"cors" toml:"cors"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
}

// ServerConfig selects the binding and where HTTP bindings listen
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	Binding  string `yaml:"binding" toml:"binding"`
	Name     string `yaml:"name" toml:"name"`
	Version  string `yaml:"version" toml:"version"`
}

// SessionsConfig holds registry limits and timing
type SessionsConfig struct {
	// MaxSessions caps live sessions; negative means unlimited.
	MaxSessions int `yaml:"max_sessions" toml:"max_sessions"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RetiredIDTTL      time.Duration `yaml:"-" toml:"-"`
	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling; accept "30s", "10m", "1d"
	RequestTimeoutRaw    string `yaml:"request_timeout" toml:"request_timeout"`
	RetiredIDTTLRaw      string `yaml:"retired_id_ttl" toml:"retired_id_ttl"`
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// SSEConfig holds dual-endpoint binding settings
type SSEConfig struct {
	StreamPath       string `yaml:"stream_path" toml:"stream_path"`
	MessagePath      string `yaml:"message_path" toml:"message_path"`
	RespondViaStream bool   `yaml:"respond_via_stream" toml:"respond_via_stream"`
	MaxRequestBytes  int64  `yaml:"max_request_bytes" toml:"max_request_bytes"`
}

// StreamableConfig holds unified binding settings
type StreamableConfig struct {
	Path            string `yaml:"path" toml:"path"`
	MaxRequestBytes int64  `yaml:"max_request_bytes" toml:"max_request_bytes"`
}

// ShutdownConfig bounds the drain on SIGINT/SIGTERM
type ShutdownConfig struct {
	DrainTimeout    time.Duration `yaml:"-" toml:"-"`
	DrainTimeoutRaw string        `yaml:"drain_timeout" toml:"drain_timeout"`
}

// AuthConfig holds the bearer gate's accepted credentials.
// The gate is off when nothing is configured.
type AuthConfig struct {
	JWTSecret   string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Tokens      []string `yaml:"tokens" toml:"tokens"`
	TokenHashes []string `yaml:"token_hashes" toml:"token_hashes"`
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || len(a.Tokens) > 0 || len(a.TokenHashes) > 0
}

// CORSConfig holds cross-origin settings for the HTTP bindings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DatabaseConfig holds the audit ledger location; empty disables it
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve on :443 with Tailscale certs
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:3000",
			Binding:  BindingStreamable,
			Name:     "mcpd",
			Version:  "dev",
		},
		Sessions: SessionsConfig{
			MaxSessions:          1000,
			RequestTimeoutRaw:    "30s",
			RetiredIDTTLRaw:      "10m",
			KeepaliveIntervalRaw: "15s",
		},
		SSE: SSEConfig{
			StreamPath:  "/sse",
			MessagePath: "/messages",
		},
		Streamable: StreamableConfig{
			Path: "/mcp",
		},
		Shutdown: ShutdownConfig{
			DrainTimeoutRaw: "10s",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Tailscale: TailscaleConfig{
			Hostname: "mcpd",
		},
	}
	// Defaults are known-good.
	_ = parseDurations(cfg)
	return cfg
}

// ResolvePath picks the config file: the flag value, then $MCPD_CONFIG, then
// $XDG_CONFIG_HOME/mcpd/mcpd.yaml. explicit is false only for the last case.
func ResolvePath(flagValue string) (path string, explicit bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, true
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "mcpd", "mcpd.yaml"), false
}

// LoadResolved loads the file chosen by ResolvePath. A missing default file
// yields Default(); a missing explicit file is an error.
func LoadResolved(flagValue string) (*Config, string, error) {
	path, explicit := ResolvePath(flagValue)
	if path == "" {
		return Default(), "", nil
	}
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return Default(), "", nil
		}
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML. Unset fields
// keep their Default() values. Environment variables in the format ${VAR_NAME}
// are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, errors.Wrap(err, "parsing config file")
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, errors.Wrap(err, "parsing config file")
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, errors.Wrap(err, "parsing durations")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Server.Binding {
	case BindingStdio, BindingSSE, BindingStreamable:
	default:
		return errors.Newf("server.binding must be one of stdio, sse, streamable (got %q)", c.Server.Binding)
	}

	if c.Server.Binding != BindingStdio && !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required for HTTP bindings (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Shutdown.DrainTimeout <= 0 {
		return errors.New("shutdown.drain_timeout must be positive")
	}

	if c.SSE.StreamPath == c.SSE.MessagePath {
		return errors.New("sse.stream_path and sse.message_path must differ")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return errors.Newf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
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
		{"sessions.request_timeout", cfg.Sessions.RequestTimeoutRaw, &cfg.Sessions.RequestTimeout},
		{"sessions.retired_id_ttl", cfg.Sessions.RetiredIDTTLRaw, &cfg.Sessions.RetiredIDTTL},
		{"sessions.keepalive_interval", cfg.Sessions.KeepaliveIntervalRaw, &cfg.Sessions.KeepaliveInterval},
		{"shutdown.drain_timeout", cfg.Shutdown.DrainTimeoutRaw, &cfg.Shutdown.DrainTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := str2duration.ParseDuration(f.raw)
		if err != nil {
			return errors.Wrapf(err, "parsing %s %q", f.name, f.raw)
		}
		if d < 0 {
			return errors.Newf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, durations, path resolution, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeFile(t, "mcpd.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  binding: "sse"
  name: "add-demo"

sessions:
  max_sessions: 50
  request_timeout: "5s"
  retired_id_ttl: "1d"
  keepalive_interval: "30s"

sse:
  respond_via_stream: true

shutdown:
  drain_timeout: "20s"

auth:
  tokens:
    - "valid-token"

cors:
  allowed_origins:
    - "https://example.com"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true

database:
  path: "./events.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.Binding != BindingSSE {
		t.Errorf("Server.Binding = %q, want %q", cfg.Server.Binding, BindingSSE)
	}
	if cfg.Server.Version != "dev" {
		t.Errorf("Server.Version = %q, want default %q", cfg.Server.Version, "dev")
	}
	if cfg.Sessions.MaxSessions != 50 {
		t.Errorf("Sessions.MaxSessions = %d, want 50", cfg.Sessions.MaxSessions)
	}
	if cfg.Sessions.RequestTimeout != 5*time.Second {
		t.Errorf("Sessions.RequestTimeout = %v, want 5s", cfg.Sessions.RequestTimeout)
	}
	if cfg.Sessions.RetiredIDTTL != 24*time.Hour {
		t.Errorf("Sessions.RetiredIDTTL = %v, want 24h", cfg.Sessions.RetiredIDTTL)
	}
	if cfg.Shutdown.DrainTimeout != 20*time.Second {
		t.Errorf("Shutdown.DrainTimeout = %v, want 20s", cfg.Shutdown.DrainTimeout)
	}
	if !cfg.SSE.RespondViaStream {
		t.Error("SSE.RespondViaStream = false, want true")
	}
	if cfg.SSE.StreamPath != "/sse" || cfg.SSE.MessagePath != "/messages" {
		t.Errorf("SSE paths = %q %q, want defaults", cfg.SSE.StreamPath, cfg.SSE.MessagePath)
	}
	if !cfg.Auth.Enabled() {
		t.Error("Auth.Enabled() = false, want true")
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "https://example.com" {
		t.Errorf("CORS.AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Database.Path != "./events.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeFile(t, "mcpd.toml", `
[server]
binding = "stdio"

[sessions]
request_timeout = "0s"

[shutdown]
drain_timeout = "3s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Binding != BindingStdio {
		t.Errorf("Server.Binding = %q, want stdio", cfg.Server.Binding)
	}
	if cfg.Sessions.RequestTimeout != 0 {
		t.Errorf("Sessions.RequestTimeout = %v, want 0", cfg.Sessions.RequestTimeout)
	}
	if cfg.Shutdown.DrainTimeout != 3*time.Second {
		t.Errorf("Shutdown.DrainTimeout = %v, want 3s", cfg.Shutdown.DrainTimeout)
	}
	if cfg.Sessions.KeepaliveInterval != 15*time.Second {
		t.Errorf("Sessions.KeepaliveInterval = %v, want default 15s", cfg.Sessions.KeepaliveInterval)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("MCPD_TEST_TOKEN", "from-env")
	t.Setenv("MCPD_TEST_ADDR", "127.0.0.1:9999")

	path := writeFile(t, "mcpd.yaml", `
server:
  http_addr: "${MCPD_TEST_ADDR}"
auth:
  tokens: ["${MCPD_TEST_TOKEN}"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0] != "from-env" {
		t.Errorf("Auth.Tokens = %v", cfg.Auth.Tokens)
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("a${MCPD_DEFINITELY_UNSET_VAR}b")
	if got != "ab" {
		t.Errorf("expandEnvVars() = %q, want %q", got, "ab")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad binding",
			content: "server:\n  binding: websocket\n",
			wantErr: "server.binding",
		},
		{
			name:    "missing addr",
			content: "server:\n  http_addr: \"\"\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "bad duration",
			content: "sessions:\n  request_timeout: soon\n",
			wantErr: "sessions.request_timeout",
		},
		{
			name:    "zero drain timeout",
			content: "shutdown:\n  drain_timeout: \"\"\n",
			wantErr: "shutdown.drain_timeout",
		},
		{
			name:    "short jwt secret",
			content: "auth:\n  jwt_secret: short\n",
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\n  hostname: \"\"\n",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "bad log format",
			content: "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "invalid yaml",
			content: "server: [\n",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "mcpd.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_StdioNeedsNoAddress(t *testing.T) {
	path := writeFile(t, "mcpd.yaml", "server:\n  binding: stdio\n  http_addr: \"\"\n")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want error")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	if path, explicit := ResolvePath("/flag.yaml"); path != "/flag.yaml" || !explicit {
		t.Errorf("flag: got %q %v", path, explicit)
	}

	if path, explicit := ResolvePath(""); path != filepath.Join("/xdg", "mcpd", "mcpd.yaml") || explicit {
		t.Errorf("xdg: got %q %v", path, explicit)
	}

	t.Setenv(EnvConfigPath, "/env.yaml")
	if path, explicit := ResolvePath(""); path != "/env.yaml" || !explicit {
		t.Errorf("env: got %q %v", path, explicit)
	}
	if path, _ := ResolvePath("/flag.yaml"); path != "/flag.yaml" {
		t.Errorf("flag should win over env: got %q", path)
	}
}

func TestLoadResolved(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, path, err := LoadResolved("")
	if err != nil {
		t.Fatalf("LoadResolved() error = %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty for defaults", path)
	}
	if cfg.Server.Binding != BindingStreamable {
		t.Errorf("default binding = %q", cfg.Server.Binding)
	}

	if _, _, err := LoadResolved(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing file should fail")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Shutdown.DrainTimeout != 10*time.Second {
		t.Errorf("default drain timeout = %v, want 10s", cfg.Shutdown.DrainTimeout)
	}
	if cfg.Sessions.RequestTimeout != 30*time.Second {
		t.Errorf("default request timeout = %v, want 30s", cfg.Sessions.RequestTimeout)
	}
	if cfg.Auth.Enabled() {
		t.Error("auth should be disabled by default")
	}
}

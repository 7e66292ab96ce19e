// Package config loads mcpd configuration from YAML or TOML.
//
// # File Location
//
// The first of these wins:
//
//  1. the --config flag
//  2. $MCPD_CONFIG
//  3. $XDG_CONFIG_HOME/mcpd/mcpd.yaml (~/.config/mcpd/mcpd.yaml)
//
// A missing file at the default location is not an error; Default() is used.
//
// # Format
//
// Files ending in .toml are parsed as TOML, everything else as YAML. Both
// accept the same keys:
//
//	server:
//	  http_addr: "127.0.0.1:3000"
//	  binding: "streamable"        # stdio | sse | streamable
//	sessions:
//	  max_sessions: 1000           # negative for unlimited
//	  request_timeout: "30s"       # "0s" disables
//	  retired_id_ttl: "10m"
//	  keepalive_interval: "15s"
//	sse:
//	  respond_via_stream: false
//	shutdown:
//	  drain_timeout: "10s"
//	auth:
//	  jwt_secret: "${MCPD_JWT_SECRET}"
//	  tokens: ["${MCPD_TOKEN}"]
//	  token_hashes: []             # bcrypt hashes
//	database:
//	  path: "~/.local/share/mcpd/events.db"  # empty disables the ledger
//
// ${VAR} references are replaced with environment values before parsing.
// Durations accept Go syntax plus days and weeks ("1d", "2w").
package config

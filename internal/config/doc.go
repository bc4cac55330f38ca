// Package config handles configuration loading for agentlink.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Missing values get defaults; Load validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENTLINK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agentlink/config.yaml
//  3. ~/.config/agentlink/config.yaml
//
// A path ending in .toml is decoded as TOML.
//
// # Environment Variable Expansion
//
//	auth:
//	  token: "${AGENTLINK_TOKEN}"
//
// # Sections
//
//	provisioner:
//	  base_url: "https://provisioner.example.com"
//	  request_timeout: "30s"   # normal operations
//	  probe_timeout: "10s"     # liveness probe
//	  requests_per_second: 0   # 0 disables client-side limiting
//
//	pairing:
//	  interval: "2s"
//	  max_attempts: 5
//
//	status:
//	  interval: "30s"
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//
//	database:
//	  path: "~/.local/share/agentlink/agentlink.db"
//
//	plans:
//	  basico: 1000
//	  premium: 10000
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	defaults:
//	  locale: "pt-BR"
//
// # Settings
//
// NewSettings seeds a process-wide store from the defaults section. Later
// calls to Set override it (last write wins).
package config

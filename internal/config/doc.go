// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/relay/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  gateway_secret: "${RELAY_GATEWAY_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  health_interval: "30s"
//	  connect_timeout: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Credential store:
//
//	database:
//	  path: "/var/lib/relay/gateway.db"
//	  store_key: "${RELAY_STORE_KEY}"  # optional at-rest sealing
//
// Backend webhook:
//
//	backend:
//	  webhook_url: "https://backend.internal/inbound"
//
// Protocol driver:
//
//	protocol:
//	  driver: "matrix"  # matrix, telegram, fake
//	  homeserver: "https://matrix.example.org"
//
// Session pool:
//
//	sessions:
//	  health_interval: "30s"
//	  connect_timeout: "30s"
//	  reconnect_budget: 5
//	  worker_budget: 8
//	  artifact_dir: "/var/lib/relay/artifacts"
//
// Inbound relay:
//
//	relay:
//	  max_attempts: 3
//	  post_timeout: "10s"
//	  dedupe_ttl: "5m"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "relay-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load from a specific path:
//
//	cfg, err := config.Load("/etc/relay/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

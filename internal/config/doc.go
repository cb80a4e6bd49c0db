// Package config handles configuration loading for mia-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	ai:
//	  api_key: "${MIA_AI_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_threshold: "30m"
//	  cleanup_interval: "5m"
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
// Database:
//
//	database:
//	  path: "/var/lib/mia/relay.db"
//
// Widget channel addressing:
//
//	chat:
//	  channel_domain: "widget.example.com"
//	  attendant_domain: "desk.msging.net"
//	  recovery_grace: "2m"
//
// AI answering backend:
//
//	ai:
//	  base_url: "http://flowise:3000"
//	  chatflow_id: "flow-1"
//	  api_key: "${MIA_AI_KEY}"
//	  timeout: "30s"
//
// External channels:
//
//	whatsapp:
//	  enabled: true
//	  base_url: "http://waha:3000"
//	  session: "default"
//
//	helpdesk:
//	  enabled: true
//	  base_url: "http://chatwoot:3000"
//	  access_token: "${MIA_HELPDESK_TOKEN}"
//	  account_id: "1"
//	  ai_team_name: "ia"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config

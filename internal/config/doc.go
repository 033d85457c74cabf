// Package config handles configuration loading for supportchat-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SUPPORTCHAT_CONFIG environment variable
//  2. ./config.yaml or ./config.toml (current directory)
//  3. ~/.config/supportchat/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. With no
// file at all, FromEnv builds the config from environment variables alone.
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SUPPORTCHAT_JWT_SECRET}"
//
// After the file is decoded, SUPPORTCHAT_<SECTION>_<FIELD> variables override
// individual fields, e.g. SUPPORTCHAT_DATABASE_PATH or
// SUPPORTCHAT_REALTIME_REDIS_URL.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "/var/lib/supportchat/chat.db"
//
//	auth:
//	  jwt_secret: "${SUPPORTCHAT_JWT_SECRET}"      # operator tokens; empty disables /api/admin
//	  responder_secret: "${RESPONDER_SECRET}"       # X-Responder-Secret on callbacks
//
//	responder:
//	  url: "https://automation.example.com/webhook/chat"
//	  timeout: "30s"
//	  callback_ttl: "10m"                           # Idempotency-Key memory
//
//	realtime:
//	  redis_url: "redis://localhost:6379/0"         # empty = in-process feed
//
//	widget:
//	  allowed_origins: ["https://www.example.com"]
//	  welcome_message: "Hello! How can I help you today?"
//	  reply_timeout: "30s"
//	  retry_delay: "500ms"
//	  unload_timeout: "5s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Load and FromEnv check:
//
//   - database.path is set
//   - JWT secret minimum length (32 bytes) when set
//   - responder and redis URL schemes
//   - duration format validity
package config

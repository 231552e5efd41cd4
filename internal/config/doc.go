// Package config handles configuration loading for clara-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the path ends in
// .toml) with environment variable expansion, CLARA_* environment overrides,
// defaults, and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CLARA_JWT_SECRET}"
//
// Unset variables expand to the empty string. After parsing, the following
// variables override file values: CLARA_HTTP_ADDR, CLARA_GRPC_ADDR,
// CLARA_DB_PATH, CLARA_JWT_SECRET, CLARA_LLM_API_KEY, CLARA_LOG_LEVEL.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	adapters:
//	  reconnect_grace_period: "2m"
//	  ping_interval: "30s"
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "0.0.0.0:18789"   # WebSocket, admin API, health, metrics
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC health service
//	database:
//	  driver: sqlite               # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/clara/gateway.db"
//
// Adapter processes:
//
//	supervisor:
//	  pid_dir: /run/clara
//	  adapters:
//	    - name: discord
//	      command: clara-discord
//	      restart_policy: on_failure   # always, on_failure, never
//	      backoff: exponential         # fixed, exponential
//	      restart_delay: 5s
//	      max_restarts: 10
//	      reset_window: 5m
//
// Hooks and scheduled tasks:
//
//	hooks:
//	  - name: crash-alert
//	    event: adapter:crashed
//	    command: notify-send "adapter ${CLARA_ADAPTER} crashed"
//	    timeout: 10s
//	scheduler:
//	  tasks:
//	    - name: morning
//	      type: cron
//	      cron: "0 9 * * *"
//	      message: {platform: discord, user_id: discord-1, channel_id: c1, content: "plan my day"}
package config

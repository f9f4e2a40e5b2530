// Package config handles configuration loading for coven-pool.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Missing pooling values fall back to defaults and Load validates
// the result before returning it.
//
// # Configuration File
//
// DefaultPath resolves, in order:
//
//  1. Path from COVEN_POOL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/pool.yaml
//  3. ~/.config/coven/pool.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50052"  # gRPC health service
//	  http_addr: "0.0.0.0:8090"   # pool API
//
//	database:
//	  path: "/var/lib/coven/pool.db"
//
//	pooling:
//	  enabled: true
//	  default_strategy: "round_robin"
//	  default_min_size: 1
//	  default_max_size: 10
//	  default_timeout: "30s"
//	  session_ttl: "1h"
//	  max_idle_time: "10m"
//	  monitor_interval: "1m"
//	  optimize_interval: "1h"
//	  auto_adjust: false
//
//	backends:
//	  - id: "github"
//	    kind: "streamable"          # stdio, sse, streamable, websocket
//	    endpoint: "https://mcp.example.com/mcp"
//	    pool_strategy: "sticky"
//	    pool_max_size: 5
//	    pool_recycle: "30m"
//	  - id: "time"
//	    kind: "stdio"
//	    command: "mcp-server-time"
//	    args: ["--local-timezone", "UTC"]
//
// Backends are upserted into the database at startup; per-backend pool
// settings take precedence over the pooling section.
//
// # Validation
//
// Load() rejects:
//
//   - missing server addresses unless tailscale is enabled
//   - a JWT secret shorter than 32 bytes
//   - unknown strategies and transport kinds
//   - min sizes larger than max sizes
//   - malformed or negative durations
package config

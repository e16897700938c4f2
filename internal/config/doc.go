// Package config handles configuration loading for keygate.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion. Missing values fall back to
// defaults suitable for local development; Validate rejects the rest.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	mail:
//	  secret_access_key: "${KEYGATE_SES_SECRET}"
//
// A .env file in the same directory as the config file is loaded first. It
// never overrides variables already set in the environment.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  key_ttl: "1h"
//	  clock_skew: "5m"
//
// # Sections
//
//   - server: http_addr, base_url, cors_origins, shutdown_timeout
//   - tailscale: serve on a tailnet instead of a TCP address
//   - database: driver (sqlite, sqlite3, postgres) and dsn or path
//   - auth: bcrypt_cost (at least 12), key_ttl, clock_skew, replay_protection
//   - tasks: workers, poll_interval, lease, max_attempts, backoff
//   - mail: provider (log or ses), addressing and SES credentials
//   - logging: level and format (text or json)
package config

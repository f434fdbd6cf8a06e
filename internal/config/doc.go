// Package config handles configuration loading for carelink-core.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Missing values receive defaults and the
// result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from CARELINK_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/carelink/core.yaml
//  4. ~/.config/carelink/core.yaml
//
// # Environment Variable Expansion
//
//	database:
//	  path: "${CARELINK_DATA}/carelink.db"
//
// # Configuration Sections
//
//	database:
//	  path: "~/.local/share/carelink/carelink.db"
//
//	backup:
//	  dir: "~/.local/share/carelink/backups"   # default: next to the database
//	  retention_days: 30                        # negative disables rotation
//	  auto_interval: "24h"                      # empty disables automatic backups
//	  on_close: true                            # backup when serve exits
//
//	crypto:
//	  argon2_time: 3
//	  argon2_memory_kib: 65536
//	  argon2_threads: 4
//
//	session:
//	  ttl: "12h"
//
//	companion:
//	  executable: "/usr/bin/python3"
//	  args: ["-m", "carelink_analysis"]
//	  probe: "http"                             # http or grpc
//	  health_url: "http://127.0.0.1:8003/health"
//	  grpc_addr: "127.0.0.1:50071"
//	  probe_timeout: "2s"
//	  startup_timeout: "30s"
//	  stop_timeout: "5s"
//	  health_interval: "15s"
//	  max_restarts: 3
//	  backoff_base: "500ms"
//	  auto_restart: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json, color
package config

// Package config handles configuration loading for the cryptostore CLI.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	store:
//	  passphrase: "${CRYPTOSTORE_PASSPHRASE}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Store location and identity:
//
//	store:
//	  path: "/var/lib/cryptostore"
//	  database_name: "crypto.db"        # optional, defaults to {user_id}_{device_id}.db
//	  user_id: "@alice:example.org"
//	  device_id: "DEVICEA"
//	  passphrase: "${CRYPTOSTORE_PASSPHRASE}"
//	  trust_backend: "default"          # default (key-set files) or sqlite
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - store.path, store.user_id, and store.device_id are present
//   - store.trust_backend is a known backend
//   - logging.level is a known level
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/cryptostore/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

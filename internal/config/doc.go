// Package config handles configuration loading for dmsync.
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
//	auth:
//	  jwt_secret: "${DMSYNC_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string, which
// then fails validation for required fields.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  write_timeout: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  write_timeout: "10s"
//
// Database:
//
//	database:
//	  path: "/var/lib/dmsync/dmsync.db"
//
// Attachment blobs:
//
//	blobs:
//	  dir: "/var/lib/dmsync/blobs"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${DMSYNC_JWT_SECRET}"
//
// Read receipts:
//
//	receipts:
//	  window: 10   # newest messages marked seen per viewing pass
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/dmsync/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

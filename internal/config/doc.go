// Package config provides centralized configuration management for the MWB
// license engine. It handles loading configuration from multiple sources,
// validation, and path resolution anchored to the executable directory.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration file (YAML)
//	3. Struct tag defaults (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern MWB_* for namespacing:
//
//	MWB_SERVER_PORT=8398
//	MWB_REGISTRY_SPREADSHEET_ID=1aBcD...
//	MWB_REGISTRY_WEBHOOK_URL=https://script.google.com/macros/s/.../exec
//	MWB_LOGGING_LEVEL=debug
//	MWB_LICENSE_OFFLINE_GRACE=168h
//
// # Path Management
//
// All file system paths resolve relative to the executable location, never
// the working directory:
//
//	paths, err := config.GetPaths()
//	dbPath := paths.LicenseDB
//	exportPath := paths.GetExportPath("audit.xlsx")
//
// # Usage
//
// Load configuration at engine startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

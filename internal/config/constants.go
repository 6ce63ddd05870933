package config

import "time"

// Application constants for the MWB Suite license engine.
const (
	// Application info
	AppName    = "MWB Suite"
	AppVersion = "2.4.1"
	AppVendor  = "MWB Software Pty Ltd"

	// License key format
	LicenseKeyPrefix  = "MWB-"
	LicenseKeyLength  = 18 // MWB-XXXX-XXXX-XXXX
	LicenseKeyPattern = "^MWB-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$"

	// Network timeouts
	DefaultHTTPTimeout = 30 * time.Second
	RegistryTimeout    = 10 * time.Second
	WebhookTimeout     = 10 * time.Second

	// Rate limiting
	DefaultRateLimit = 100 // requests per minute on the shell API
	DefaultBurstSize = 50

	// Cache settings
	GateCacheDuration        = 5 * time.Minute
	FingerprintCacheDuration = 1 * time.Hour

	// File paths (relative to executable)
	DefaultDataDir = "data"
	DefaultLogsDir = "logs"

	// WebSocket settings
	WebSocketReadBufferSize  = 1024
	WebSocketWriteBufferSize = 1024
	WebSocketPingPeriod      = 30 * time.Second
	WebSocketPongWait        = 60 * time.Second

	// Log settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

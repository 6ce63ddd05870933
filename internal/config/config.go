package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Registry  RegistryConfig  `yaml:"registry" envconfig:"REGISTRY"`
	SMTP      SMTPConfig      `yaml:"smtp" envconfig:"SMTP"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration for the shell API.
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST" default:"127.0.0.1"`
	Port            int           `yaml:"port" envconfig:"PORT" default:"8398"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration.
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8398"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains HTTP rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output      string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/engine.log"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"false"`
}

// LicenseConfig contains license enforcement tunables. The hardware match
// threshold is intentionally NOT configurable; see security.MatchThreshold.
type LicenseConfig struct {
	MaxTransfers       int           `yaml:"max_transfers" envconfig:"MAX_TRANSFERS" default:"3"`
	OfflineGrace       time.Duration `yaml:"offline_grace" envconfig:"OFFLINE_GRACE" default:"336h"`
	ManualChecksPerDay int           `yaml:"manual_checks_per_day" envconfig:"MANUAL_CHECKS_PER_DAY" default:"3"`
	GateCacheTTL       time.Duration `yaml:"gate_cache_ttl" envconfig:"GATE_CACHE_TTL" default:"5m"`
}

// RegistryConfig points the engine at the hosted license registry. The
// spreadsheet is read anonymously with an API key; updates go to the
// webhook. Endpoint overrides the Sheets API base URL in tests.
type RegistryConfig struct {
	SpreadsheetID string        `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName     string        `yaml:"sheet_name" envconfig:"SHEET_NAME" default:"Licenses"`
	APIKey        string        `yaml:"api_key" envconfig:"API_KEY"`
	WebhookURL    string        `yaml:"webhook_url" envconfig:"WEBHOOK_URL"`
	Endpoint      string        `yaml:"endpoint" envconfig:"ENDPOINT"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
	PinnedSPKI    []string      `yaml:"pinned_spki" envconfig:"PINNED_SPKI"`
}

// SMTPConfig configures transfer notification email. An empty Host disables
// sending; notices are logged instead.
type SMTPConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT" default:"587"`
	Username string `yaml:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	From     string `yaml:"from" envconfig:"FROM"`
}

// PathsConfig contains file system paths configuration.
type PathsConfig struct {
	ExecutableDir string `yaml:"executable_dir" envconfig:"EXECUTABLE_DIR"`
	DataDir       string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	LogsDir       string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
	LicenseDB     string `yaml:"license_db" envconfig:"LICENSE_DB" default:"license.db"`
}

// WebSocketConfig contains WebSocket configuration for the status push channel.
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
}

// Load loads configuration from environment variables and config file.
// Environment wins; the file supplies anything the environment left at its
// zero value (in practice the registry and SMTP settings, which carry no
// struct defaults).
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("MWB", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := getConfigFilePath()
	if configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config into env config. Env takes precedence;
// file values only fill fields the env layer left at zero.
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Host == "" {
		envConfig.Server.Host = fileConfig.Server.Host
	}
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Registry.SpreadsheetID == "" {
		envConfig.Registry.SpreadsheetID = fileConfig.Registry.SpreadsheetID
	}
	if envConfig.Registry.SheetName == "" {
		envConfig.Registry.SheetName = fileConfig.Registry.SheetName
	}
	if envConfig.Registry.APIKey == "" {
		envConfig.Registry.APIKey = fileConfig.Registry.APIKey
	}
	if envConfig.Registry.WebhookURL == "" {
		envConfig.Registry.WebhookURL = fileConfig.Registry.WebhookURL
	}
	if envConfig.Registry.Endpoint == "" {
		envConfig.Registry.Endpoint = fileConfig.Registry.Endpoint
	}
	if envConfig.Registry.Timeout == 0 {
		envConfig.Registry.Timeout = fileConfig.Registry.Timeout
	}
	if len(envConfig.Registry.PinnedSPKI) == 0 {
		envConfig.Registry.PinnedSPKI = fileConfig.Registry.PinnedSPKI
	}
	if envConfig.SMTP.Host == "" {
		envConfig.SMTP.Host = fileConfig.SMTP.Host
	}
	if envConfig.SMTP.Port == 0 {
		envConfig.SMTP.Port = fileConfig.SMTP.Port
	}
	if envConfig.SMTP.Username == "" {
		envConfig.SMTP.Username = fileConfig.SMTP.Username
	}
	if envConfig.SMTP.Password == "" {
		envConfig.SMTP.Password = fileConfig.SMTP.Password
	}
	if envConfig.SMTP.From == "" {
		envConfig.SMTP.From = fileConfig.SMTP.From
	}
	if envConfig.Paths.ExecutableDir == "" {
		envConfig.Paths.ExecutableDir = fileConfig.Paths.ExecutableDir
	}

	return envConfig
}

// resolvePaths pins relative paths to the executable directory.
func (c *Config) resolvePaths() error {
	if c.Paths.ExecutableDir == "" {
		paths, err := GetPaths()
		if err != nil {
			return fmt.Errorf("failed to get paths: %w", err)
		}
		c.Paths.ExecutableDir = paths.ExecutableDir
	}

	return nil
}

// validate validates the configuration.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	if c.License.MaxTransfers < 0 {
		return fmt.Errorf("max transfers must not be negative")
	}

	if c.License.OfflineGrace <= 0 {
		return fmt.Errorf("offline grace window must be positive")
	}

	if c.License.ManualChecksPerDay <= 0 {
		return fmt.Errorf("manual checks per day must be positive")
	}

	if c.Registry.Timeout <= 0 {
		c.Registry.Timeout = RegistryTimeout
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	if c.Logging.Output != "both" && c.Logging.Output != "file" && c.Logging.Output != "console" {
		c.Logging.Output = "both"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/engine.log"
	}

	return nil
}

// GetDataDir returns the resolved data directory path.
func (c *Config) GetDataDir() string {
	if filepath.IsAbs(c.Paths.DataDir) {
		return c.Paths.DataDir
	}
	return filepath.Join(c.Paths.ExecutableDir, c.Paths.DataDir)
}

// GetLogsDir returns the resolved logs directory path.
func (c *Config) GetLogsDir() string {
	if filepath.IsAbs(c.Paths.LogsDir) {
		return c.Paths.LogsDir
	}
	return filepath.Join(c.Paths.ExecutableDir, c.Paths.LogsDir)
}

// GetLicenseDBPath returns the resolved license database path.
func (c *Config) GetLicenseDBPath() string {
	if filepath.IsAbs(c.Paths.LicenseDB) {
		return c.Paths.LicenseDB
	}
	return filepath.Join(c.GetDataDir(), c.Paths.LicenseDB)
}

// getConfigFilePath returns the path to the config file, if one exists.
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8398,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8398"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/engine.log",
		},
		License: LicenseConfig{
			MaxTransfers:       3,
			OfflineGrace:       336 * time.Hour,
			ManualChecksPerDay: 3,
			GateCacheTTL:       5 * time.Minute,
		},
		Registry: RegistryConfig{
			SheetName: "Licenses",
			Timeout:   RegistryTimeout,
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
		Paths: PathsConfig{
			DataDir:   "data",
			LogsDir:   "logs",
			LicenseDB: "license.db",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}

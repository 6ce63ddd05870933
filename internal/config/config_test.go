package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// === Server defaults ===
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8398, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)

	// === License enforcement defaults ===
	assert.Equal(t, 3, cfg.License.MaxTransfers)
	assert.Equal(t, 336*time.Hour, cfg.License.OfflineGrace)
	assert.Equal(t, 3, cfg.License.ManualChecksPerDay)

	// === Registry defaults ===
	assert.Equal(t, "Licenses", cfg.Registry.SheetName)
	assert.Equal(t, RegistryTimeout, cfg.Registry.Timeout)

	// === Logging defaults ===
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "both", cfg.Logging.Output)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default config passes",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "zero port rejected",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "port above range rejected",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "non-positive read timeout rejected",
			mutate:  func(c *Config) { c.Server.ReadTimeout = 0 },
			wantErr: "read timeout must be positive",
		},
		{
			name:    "empty allowed origins rejected",
			mutate:  func(c *Config) { c.Security.AllowedOrigins = nil },
			wantErr: "at least one allowed origin",
		},
		{
			name:    "negative max transfers rejected",
			mutate:  func(c *Config) { c.License.MaxTransfers = -1 },
			wantErr: "max transfers must not be negative",
		},
		{
			name:    "zero offline grace rejected",
			mutate:  func(c *Config) { c.License.OfflineGrace = 0 },
			wantErr: "offline grace window must be positive",
		},
		{
			name:    "zero manual checks rejected",
			mutate:  func(c *Config) { c.License.ManualChecksPerDay = 0 },
			wantErr: "manual checks per day must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfigValidate_CoercesLogging(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "syslog"
	cfg.Logging.FilePath = ""

	require.NoError(t, cfg.validate())

	assert.Equal(t, "json", cfg.Logging.Format, "non-JSON format coerced")
	assert.Equal(t, "both", cfg.Logging.Output, "unknown output coerced")
	assert.Equal(t, "logs/engine.log", cfg.Logging.FilePath)
}

func TestConfigValidate_DefaultsRegistryTimeout(t *testing.T) {
	cfg := Default()
	cfg.Registry.Timeout = 0

	require.NoError(t, cfg.validate())
	assert.Equal(t, RegistryTimeout, cfg.Registry.Timeout)
}

func TestMergeConfigs(t *testing.T) {
	t.Run("file fills fields env left at zero", func(t *testing.T) {
		fileCfg := Config{}
		fileCfg.Registry.SpreadsheetID = "sheet-from-file"
		fileCfg.Registry.WebhookURL = "https://example.com/hook"
		fileCfg.SMTP.Host = "smtp.example.com"
		fileCfg.SMTP.From = "licenses@example.com"

		envCfg := Config{}
		envCfg.Server.Port = 8398

		merged := mergeConfigs(fileCfg, envCfg)

		assert.Equal(t, "sheet-from-file", merged.Registry.SpreadsheetID)
		assert.Equal(t, "https://example.com/hook", merged.Registry.WebhookURL)
		assert.Equal(t, "smtp.example.com", merged.SMTP.Host)
		assert.Equal(t, "licenses@example.com", merged.SMTP.From)
		assert.Equal(t, 8398, merged.Server.Port)
	})

	t.Run("env wins over file", func(t *testing.T) {
		fileCfg := Config{}
		fileCfg.Registry.SpreadsheetID = "sheet-from-file"

		envCfg := Config{}
		envCfg.Registry.SpreadsheetID = "sheet-from-env"

		merged := mergeConfigs(fileCfg, envCfg)
		assert.Equal(t, "sheet-from-env", merged.Registry.SpreadsheetID)
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yamlContent := `
server:
  port: 9001
registry:
  spreadsheet_id: test-sheet-id
  sheet_name: TestLicenses
  webhook_url: https://script.example.com/exec
license:
  max_transfers: 2
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := loadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "test-sheet-id", cfg.Registry.SpreadsheetID)
	assert.Equal(t, "TestLicenses", cfg.Registry.SheetName)
	assert.Equal(t, "https://script.example.com/exec", cfg.Registry.WebhookURL)
	assert.Equal(t, 2, cfg.License.MaxTransfers)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := loadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

		_, err := loadFromFile(path)
		assert.Error(t, err)
	})
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MWB_SERVER_PORT", "9100")
	t.Setenv("MWB_LICENSE_MAX_TRANSFERS", "5")
	t.Setenv("MWB_REGISTRY_SPREADSHEET_ID", "env-sheet")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 5, cfg.License.MaxTransfers)
	assert.Equal(t, "env-sheet", cfg.Registry.SpreadsheetID)
	assert.NotEmpty(t, cfg.Paths.ExecutableDir, "executable dir resolved")
}

func TestGetLicenseDBPath(t *testing.T) {
	cfg := Default()
	cfg.Paths.ExecutableDir = "/opt/mwb"

	assert.Equal(t, filepath.Join("/opt/mwb", "data", "license.db"), cfg.GetLicenseDBPath())

	cfg.Paths.LicenseDB = "/var/lib/mwb/license.db"
	assert.Equal(t, "/var/lib/mwb/license.db", cfg.GetLicenseDBPath())
}

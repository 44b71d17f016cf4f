package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "common", cfg.Microsoft.Tenant)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.Spec)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: pgx
  dsn: postgres://localhost/relsync
google:
  client_id: from-file
log:
  level: debug
  format: json
`)
	t.Setenv("RELSYNC_GOOGLE_CLIENT_ID", "from-env")
	t.Setenv("RELSYNC_ENCRYPTION_KEY", "abc123")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/relsync", cfg.Database.DSN)
	assert.Equal(t, "from-env", cfg.Google.ClientID)
	assert.Equal(t, "abc123", cfg.EncryptionKey)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"sqlite without dsn", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"pgx without dsn", func(c *Config) { c.Database.Driver = "pgx" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Database.Driver = "sqlite3"
			cfg.Log.Format = "console"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenStoreUsesDSNPath(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "data", "relsync.db")

	store, err := cfg.OpenStore()
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	assert.FileExists(t, cfg.Database.DSN)
}

func TestDefaultDatabasePath(t *testing.T) {
	assert.Equal(t, "relsync.db", filepath.Base(DefaultDatabasePath()))
	assert.Equal(t, "relsync", filepath.Base(DataDir()))
}

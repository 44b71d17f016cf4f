// ABOUTME: Configuration loading from .env, an optional relsync.yaml, and RELSYNC_ environment variables
// ABOUTME: Defaults place the SQLite database under the XDG data directory
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/harperreed/relsync/db"
)

const appName = "relsync"

type Config struct {
	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	EncryptionKey string `mapstructure:"encryption_key"`

	HTTP struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"http"`

	OAuth struct {
		RedirectBaseURL string `mapstructure:"redirect_base_url"`
	} `mapstructure:"oauth"`

	Google struct {
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	} `mapstructure:"google"`

	Microsoft struct {
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		Tenant       string `mapstructure:"tenant"`
		GraphBaseURL string `mapstructure:"graph_base_url"`
	} `mapstructure:"microsoft"`

	Redis struct {
		URL          string `mapstructure:"url"`
		Stream       string `mapstructure:"stream"`
		StreamMaxLen int64  `mapstructure:"stream_max_len"`
	} `mapstructure:"redis"`

	Scheduler struct {
		Spec string `mapstructure:"spec"`
	} `mapstructure:"scheduler"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// DataDir is the XDG data directory for relsync.
func DataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// DefaultDatabasePath is the SQLite file used when no DSN is configured.
func DefaultDatabasePath() string {
	return filepath.Join(DataDir(), "relsync.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", db.DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("encryption_key", "")
	v.SetDefault("http.address", ":8080")
	v.SetDefault("oauth.redirect_base_url", "http://localhost:8080")
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("microsoft.graph_base_url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream", "relsync:touched")
	v.SetDefault("redis.stream_max_len", 10000)
	v.SetDefault("scheduler.spec", "*/5 * * * *")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads .env (if present), then relsync.yaml from configFile or the
// search path, then RELSYNC_ environment variables, later sources winning.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(appName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, appName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug().Msg("config file not found, using environment and defaults")
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("using config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return fmt.Errorf("unsupported database.driver %q (want %s or %s)", c.Database.Driver, db.DriverSQLite, db.DriverPostgres)
	}
	if c.Database.Driver == db.DriverPostgres && c.Database.DSN == "" {
		return errors.New("database.dsn is required for the pgx driver")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	return nil
}

// OpenStore opens the configured database. SQLite uses the default XDG path
// when no DSN is set.
func (c *Config) OpenStore() (*db.Store, error) {
	if c.Database.Driver == db.DriverSQLite {
		path := c.Database.DSN
		if path == "" {
			path = DefaultDatabasePath()
		}
		return db.OpenDatabase(path)
	}
	return db.Open(c.Database.Driver, c.Database.DSN)
}

// LogLevel parses log.level, defaulting to info.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil || c.Log.Level == "" {
		return zerolog.InfoLevel
	}
	return level
}

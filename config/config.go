// Package config loads doorman's runtime configuration from an optional
// YAML file, a .env file and DOORMAN_* environment variables, in that
// order of increasing precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Storage drivers accepted in storage.driver.
const (
	DriverMemory   = "memory"
	DriverBBolt    = "bbolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongoDB  = "mongodb"
)

// MinMasterKeyBytes is the shortest master key accepted for credential
// sealing.
const MinMasterKeyBytes = 32

type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Discord     DiscordConfig     `yaml:"discord"`
	Session     SessionConfig     `yaml:"session"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"DOORMAN_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"DOORMAN_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"DOORMAN_HTTP_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"DOORMAN_HTTP_IDLE_TIMEOUT" env-default:"120s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"DOORMAN_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	// TrustedProxies are CIDRs (or bare addresses) whose forwarding
	// headers are believed when rate limiting by client IP.
	TrustedProxies []string `yaml:"trusted_proxies" env:"DOORMAN_HTTP_TRUSTED_PROXIES"`
	TLSCert        string   `yaml:"tls_cert" env:"DOORMAN_HTTP_TLS_CERT"`
	TLSKey         string   `yaml:"tls_key" env:"DOORMAN_HTTP_TLS_KEY"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"DOORMAN_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"DOORMAN_LOG_FORMAT" env-default:"json"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" env:"DOORMAN_STORAGE_DRIVER" env-default:"bbolt"`
	// Path is the database file for bbolt and sqlite.
	Path string `yaml:"path" env:"DOORMAN_STORAGE_PATH" env-default:"doorman.db"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" env:"DOORMAN_STORAGE_DSN"`
	// URI and Database select the mongodb deployment.
	URI      string `yaml:"uri" env:"DOORMAN_STORAGE_URI"`
	Database string `yaml:"database" env:"DOORMAN_STORAGE_DATABASE" env-default:"doorman"`
}

type DiscordConfig struct {
	ClientID     string        `yaml:"client_id" env:"DOORMAN_DISCORD_CLIENT_ID"`
	ClientSecret string        `yaml:"client_secret" env:"DOORMAN_DISCORD_CLIENT_SECRET"`
	RedirectURL  string        `yaml:"redirect_url" env:"DOORMAN_DISCORD_REDIRECT_URL"`
	Scopes       []string      `yaml:"scopes" env:"DOORMAN_DISCORD_SCOPES" env-default:"identify,connections"`
	Timeout      time.Duration `yaml:"timeout" env:"DOORMAN_DISCORD_TIMEOUT" env-default:"10s"`
}

type SessionConfig struct {
	Lifetime    time.Duration `yaml:"lifetime" env:"DOORMAN_SESSION_LIFETIME" env-default:"720h"`
	RenewWindow time.Duration `yaml:"renew_window" env:"DOORMAN_SESSION_RENEW_WINDOW" env-default:"360h"`
}

type CredentialsConfig struct {
	// MasterKey is hex encoded.
	MasterKey string `yaml:"master_key" env:"DOORMAN_CREDENTIALS_MASTER_KEY"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"DOORMAN_METRICS_ENABLED" env-default:"true"`
}

// Load reads the configuration. A missing .env file is ignored; an empty
// path skips the YAML file and reads only the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage returns the environment variable help text.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBBolt, DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", c.Storage.Driver))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	case DriverMongoDB:
		if c.Storage.URI == "" {
			errs = append(errs, errors.New("storage.uri is required for mongodb"))
		}
		if c.Storage.Database == "" {
			errs = append(errs, errors.New("storage.database is required for mongodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Discord.ClientID == "" {
		errs = append(errs, errors.New("discord.client_id is required"))
	}
	if c.Discord.ClientSecret == "" {
		errs = append(errs, errors.New("discord.client_secret is required"))
	}
	if u, err := url.Parse(c.Discord.RedirectURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("discord.redirect_url must be an absolute URL"))
	}
	if c.Discord.Timeout <= 0 {
		errs = append(errs, errors.New("discord.timeout must be positive"))
	}

	if c.Session.Lifetime <= 0 {
		errs = append(errs, errors.New("session.lifetime must be positive"))
	}
	if c.Session.RenewWindow <= 0 || c.Session.RenewWindow >= c.Session.Lifetime {
		errs = append(errs, errors.New("session.renew_window must be positive and shorter than session.lifetime"))
	}

	if _, err := c.Credentials.Key(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		errs = append(errs, errors.New("http.tls_cert and http.tls_key must be set together"))
	}

	return errors.Join(errs...)
}

// Key decodes the master key.
func (c CredentialsConfig) Key() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, errors.New("credentials.master_key is required")
	}
	key, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("credentials.master_key: %w", err)
	}
	if len(key) < MinMasterKeyBytes {
		return nil, fmt.Errorf("credentials.master_key must be at least %d bytes, got %d", MinMasterKeyBytes, len(key))
	}
	return key, nil
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to stderr.
func (c LogConfig) NewLogger() *slog.Logger {
	lvl, _ := c.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

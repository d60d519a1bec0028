// Package config loads and validates tapwatch configuration.
// It uses Viper to merge defaults, a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TAPWATCH_GENERAL_DATABASE_PATH.
const EnvPrefix = "TAPWATCH"

// DefaultFile is the config file looked up when none is given.
const DefaultFile = "tapwatch.yaml"

// Config holds all runtime configuration of the tapwatch server.
type Config struct {
	General    General    `mapstructure:"general"`
	Interfaces Interfaces `mapstructure:"interfaces"`
	Database   Database   `mapstructure:"database"`
	Server     Server     `mapstructure:"server"`
	Logging    Logging    `mapstructure:"logging"`
	Alerts     Alerts     `mapstructure:"alerts"`
	Query      Query      `mapstructure:"query"`
}

// General holds filesystem locations and the NTP server.
type General struct {
	DatabasePath    string `mapstructure:"database_path"`
	PluginDirectory string `mapstructure:"plugin_directory"`
	CryptoDirectory string `mapstructure:"crypto_directory"`
	NTPServer       string `mapstructure:"ntp_server"`
}

// Interfaces holds the listen and external URIs. Both must be https.
type Interfaces struct {
	RestListenURI   string `mapstructure:"rest_listen_uri"`
	HTTPExternalURI string `mapstructure:"http_external_uri"`
	// LegacyUUIDUnauthorized answers malformed tap UUIDs with 401 instead of 400.
	LegacyUUIDUnauthorized bool `mapstructure:"legacy_uuid_unauthorized"`
	// MaxReportBytes caps the body of a tap status report.
	MaxReportBytes int64 `mapstructure:"max_report_bytes"`
}

// ListenAddr returns host:port of RestListenURI.
func (i Interfaces) ListenAddr() string {
	u, err := url.Parse(i.RestListenURI)
	if err != nil {
		return ""
	}
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return u.Host
}

// Database selects the storage engine.
type Database struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`    // used when driver = postgres
}

// Server holds transport credentials.
type Server struct {
	// JWTSecret: HS256 signing key for control-plane tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// TapToken: pre-shared key taps send as "Authorization: Bearer <tap_token>".
	TapToken  string `mapstructure:"tap_token"`
	AdminUser string `mapstructure:"admin_user"`
	AdminPass string `mapstructure:"admin_pass"`
}

// Logging selects the slog handler.
type Logging struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// Alerts configures expiry and notifications.
type Alerts struct {
	ExpiryWindow  time.Duration `mapstructure:"expiry_window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	NATSURL       string        `mapstructure:"nats_url"` // empty disables notifications
	NATSSubject   string        `mapstructure:"nats_subject"`
}

// Query bounds read requests.
type Query struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// requiredKeys must be present and non-empty.
var requiredKeys = []string{
	"general.database_path",
	"general.plugin_directory",
	"general.crypto_directory",
	"general.ntp_server",
	"interfaces.rest_listen_uri",
	"interfaces.http_external_uri",
}

func setDefaults(v *viper.Viper) {
	// Registered empty so that environment-only values reach Unmarshal.
	for _, key := range requiredKeys {
		v.SetDefault(key, "")
	}
	v.SetDefault("interfaces.legacy_uuid_unauthorized", false)
	v.SetDefault("interfaces.max_report_bytes", 4<<20)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")

	// Security defaults: MUST be overridden in production via the config file or env vars.
	v.SetDefault("server.jwt_secret", "Tw$Xq7@wP2!mZ9#rK6^dV4&eA1*fY")
	v.SetDefault("server.tap_token", "tapwatch-secret-key-123")
	v.SetDefault("server.admin_user", "admin")
	v.SetDefault("server.admin_pass", "admin")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("alerts.expiry_window", 30*time.Minute)
	v.SetDefault("alerts.sweep_interval", time.Minute)
	v.SetDefault("alerts.nats_url", "")
	v.SetDefault("alerts.nats_subject", "tapwatch.alerts")

	v.SetDefault("query.timeout", 10*time.Second)
}

func bindEnv(v *viper.Viper, prefix string) {
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads the server configuration from path, or from DefaultFile in the
// working directory or $HOME/.tapwatch when path is empty. It returns a fully
// validated Config or an *Error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tapwatch")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, &Error{Kind: NotFound, Key: path, Err: err}
		}
		return nil, &Error{Kind: Invalid, Key: path, Err: fmt.Errorf("parsing config file: %w", err)}
	}

	bindEnv(v, EnvPrefix)

	for _, key := range requiredKeys {
		if strings.TrimSpace(v.GetString(key)) == "" {
			return nil, &Error{Kind: Incomplete, Key: key, Err: errors.New("required key is missing")}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Kind: Invalid, Err: fmt.Errorf("unmarshaling config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs the semantic checks on an already populated Config.
func (c *Config) Validate() error {
	if err := checkDirectory("general.plugin_directory", c.General.PluginDirectory, false); err != nil {
		return err
	}
	if err := checkDirectory("general.crypto_directory", c.General.CryptoDirectory, true); err != nil {
		return err
	}
	if err := checkHTTPS("interfaces.rest_listen_uri", c.Interfaces.RestListenURI); err != nil {
		return err
	}
	if err := checkHTTPS("interfaces.http_external_uri", c.Interfaces.HTTPExternalURI); err != nil {
		return err
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return invalid("database.dsn", "required when database.driver is postgres")
		}
	default:
		return invalid("database.driver", "must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return invalid("logging.format", "must be text or json, got %q", c.Logging.Format)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"alerts.expiry_window", c.Alerts.ExpiryWindow},
		{"alerts.sweep_interval", c.Alerts.SweepInterval},
		{"query.timeout", c.Query.Timeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return invalid(d.key, "must be a positive duration, got %s", d.d)
		}
	}
	if c.Interfaces.MaxReportBytes <= 0 {
		return invalid("interfaces.max_report_bytes", "must be positive, got %d", c.Interfaces.MaxReportBytes)
	}
	if c.Alerts.NATSURL != "" && c.Alerts.NATSSubject == "" {
		return invalid("alerts.nats_subject", "required when alerts.nats_url is set")
	}
	return nil
}

func checkDirectory(key, path string, writable bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return invalid(key, "directory %s does not exist", path)
	}
	if !info.IsDir() {
		return invalid(key, "%s is not a directory", path)
	}
	if _, err := os.ReadDir(path); err != nil {
		return invalid(key, "directory %s is not readable", path)
	}
	if writable {
		f, err := os.CreateTemp(path, ".tapwatch-write-check-*")
		if err != nil {
			return invalid(key, "directory %s is not writable", path)
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
	return nil
}

func checkHTTPS(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(key, "not a valid URI: %v", err)
	}
	if u.Scheme != "https" {
		return invalid(key, "must use https, got %q", raw)
	}
	if u.Host == "" {
		return invalid(key, "missing host in %q", raw)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// TapEnvPrefix prefixes environment overrides of the tap reporter.
const TapEnvPrefix = EnvPrefix + "_TAP"

// TapConfig configures `tapwatch tap`, the status reporter.
type TapConfig struct {
	ServerURI string        `mapstructure:"server_uri"`
	Token     string        `mapstructure:"token"`
	UUID      string        `mapstructure:"uuid"`
	Name      string        `mapstructure:"name"`
	Interval  time.Duration `mapstructure:"interval"`
	// InsecureSkipVerify accepts the server's self-signed certificate.
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	Interfaces         []string `mapstructure:"interfaces"`
}

// LoadTap reads the reporter configuration. The file is optional; every key
// has a default. The UUID defaults to one derived from the hostname so that
// restarts keep the tap's identity.
func LoadTap(path string) (*TapConfig, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "tap"
	}

	v := viper.New()
	v.SetDefault("server_uri", "https://127.0.0.1:8443")
	v.SetDefault("token", "tapwatch-secret-key-123")
	v.SetDefault("uuid", uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname)).String())
	v.SetDefault("name", hostname)
	v.SetDefault("interval", 5*time.Second)
	v.SetDefault("insecure_skip_verify", false)
	v.SetDefault("interfaces", []string{})

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				return nil, &Error{Kind: NotFound, Key: path, Err: err}
			}
			return nil, &Error{Kind: Invalid, Key: path, Err: fmt.Errorf("parsing config file: %w", err)}
		}
	}
	bindEnv(v, TapEnvPrefix)

	var cfg TapConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Kind: Invalid, Err: fmt.Errorf("unmarshaling tap config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a TapConfig.
func (c *TapConfig) Validate() error {
	if _, err := uuid.Parse(c.UUID); err != nil {
		return invalid("uuid", "not a UUID: %q", c.UUID)
	}
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if err := checkHTTPS("server_uri", c.ServerURI); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return invalid("interval", "must be a positive duration, got %s", c.Interval)
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CARELOG"
	defaultHTTPAddress     = "127.0.0.1:8787"
	defaultStoreDriver     = StoreDriverSQLite
	defaultStorePath       = "carelog.db"
	defaultRemoteTimeout   = 15
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultTimeZone        = "Local"
	defaultRejectionPolicy = "retry"

	// StoreDriverSQLite keeps one row per key in a SQLite database.
	StoreDriverSQLite = "sqlite"
	// StoreDriverFile keeps every namespace in a single JSON document.
	StoreDriverFile = "file"
)

// AppConfig captures runtime configuration for the sync engine and its hosts.
type AppConfig struct {
	HTTPAddress     string
	StoreDriver     string
	StorePath       string
	RemoteBaseURL   string
	RemoteTimeout   time.Duration
	LogLevel        string
	LogFormat       string
	TimeZone        string
	Location        *time.Location
	RejectionPolicy string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("remote.base_url", "")
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("snapshot.time_zone", defaultTimeZone)
	configViper.SetDefault("sync.rejection_policy", defaultRejectionPolicy)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		StoreDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		StorePath:       configViper.GetString("store.path"),
		RemoteBaseURL:   strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteTimeout:   time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		TimeZone:        strings.TrimSpace(configViper.GetString("snapshot.time_zone")),
		RejectionPolicy: strings.ToLower(strings.TrimSpace(configViper.GetString("sync.rejection_policy"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	location, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("snapshot.time_zone %q: %w", cfg.TimeZone, err)
	}
	cfg.Location = location

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.StoreDriver != StoreDriverSQLite && c.StoreDriver != StoreDriverFile {
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreDriverSQLite, StoreDriverFile, c.StoreDriver)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	if c.RejectionPolicy != "retry" && c.RejectionPolicy != "dead_letter" {
		return fmt.Errorf("sync.rejection_policy must be \"retry\" or \"dead_letter\", got %q", c.RejectionPolicy)
	}
	if c.TimeZone == "" {
		return fmt.Errorf("snapshot.time_zone is required")
	}
	return nil
}

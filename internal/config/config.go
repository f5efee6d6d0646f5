package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "TETHER"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "tether.db"
	defaultLogLevel       = "info"
	defaultPollIntervalMS = 4000
	defaultSessionTTLMin  = 60
	defaultPairBaseURL    = "https://tether.example.com/pair"
	minimumPollInterval   = 250
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	PollIntervalMS int
	SessionTTL     time.Duration
	PairBaseURL    string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("poll.interval_ms", defaultPollIntervalMS)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMin)
	configViper.SetDefault("pair.base_url", defaultPairBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		PollIntervalMS: configViper.GetInt("poll.interval_ms"),
		SessionTTL:     time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		PairBaseURL:    configViper.GetString("pair.base_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PollIntervalMS < minimumPollInterval {
		return fmt.Errorf("poll.interval_ms must be at least %d", minimumPollInterval)
	}
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("session.ttl_minutes must be at least 1")
	}
	if strings.TrimSpace(c.PairBaseURL) == "" {
		return fmt.Errorf("pair.base_url is required")
	}
	return nil
}

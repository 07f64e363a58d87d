package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PLOTWEAVER"
	defaultHTTPAddress  = "0.0.0.0:8000"
	defaultDatabasePath = "plotweaver.db"
	defaultLogLevel     = "info"

	defaultTokenTTLSeconds         = 3600
	defaultRefreshThresholdSeconds = 300
	defaultMaxConnections          = 1000
	defaultMaxMessageBytes         = 1 << 20
	defaultHeartbeatSeconds        = 30
	defaultMessagesPerMinute       = 60
	defaultConnectionsPerAddress   = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	DatabasePath  string
	LogLevel      string

	TokenTTLSeconds         int
	RefreshThresholdSeconds int

	MaxConnections        int
	MaxMessageBytes       int
	HeartbeatSeconds      int
	MessagesPerMinute     int
	ConnectionsPerAddress int
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

	configViper.SetDefault("auth.token_ttl_seconds", defaultTokenTTLSeconds)
	configViper.SetDefault("auth.refresh_threshold_seconds", defaultRefreshThresholdSeconds)

	configViper.SetDefault("limits.max_connections", defaultMaxConnections)
	configViper.SetDefault("limits.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("limits.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("limits.messages_per_minute", defaultMessagesPerMinute)
	configViper.SetDefault("limits.connections_per_address", defaultConnectionsPerAddress)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),

		TokenTTLSeconds:         configViper.GetInt("auth.token_ttl_seconds"),
		RefreshThresholdSeconds: configViper.GetInt("auth.refresh_threshold_seconds"),

		MaxConnections:        configViper.GetInt("limits.max_connections"),
		MaxMessageBytes:       configViper.GetInt("limits.max_message_bytes"),
		HeartbeatSeconds:      configViper.GetInt("limits.heartbeat_seconds"),
		MessagesPerMinute:     configViper.GetInt("limits.messages_per_minute"),
		ConnectionsPerAddress: configViper.GetInt("limits.connections_per_address"),
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
	if c.TokenTTLSeconds <= 0 {
		return fmt.Errorf("auth.token_ttl_seconds must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("limits.max_connections must be positive")
	}
	if c.HeartbeatSeconds <= 0 {
		return fmt.Errorf("limits.heartbeat_seconds must be positive")
	}
	return nil
}

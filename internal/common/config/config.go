// Package config loads service configuration from files and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the orchestrator service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Sprite   SpriteConfig   `mapstructure:"sprite"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Session  SessionConfig  `mapstructure:"session"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// SpriteConfig configures the remote sprite (sandbox) API.
type SpriteConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Token       string `mapstructure:"token"`
	DefaultName string `mapstructure:"default_name"`
}

// OAuthConfig configures the agent OAuth token endpoint.
type OAuthConfig struct {
	TokenEndpoint       string `mapstructure:"token_endpoint"`
	ClientID            string `mapstructure:"client_id"`
	FallbackAccessToken string `mapstructure:"fallback_access_token"`
	RefreshBuffer       int    `mapstructure:"refresh_buffer"` // minutes
}

// RefreshBufferDuration returns the refresh buffer as a duration.
func (o OAuthConfig) RefreshBufferDuration() time.Duration {
	return time.Duration(o.RefreshBuffer) * time.Minute
}

// GitHubConfig carries the optional token used for private clones and gh.
type GitHubConfig struct {
	Token string `mapstructure:"token"`
}

// NATSConfig configures the event bus connection.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig configures session supervisor behavior.
type SessionConfig struct {
	IdleTimeout     int `mapstructure:"idle_timeout"`     // seconds
	AllocateTimeout int `mapstructure:"allocate_timeout"` // seconds
}

// IdleTimeoutDuration returns the idle timeout as a duration.
func (s SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// AllocateTimeoutDuration returns the allocate timeout as a duration.
func (s SessionConfig) AllocateTimeoutDuration() time.Duration {
	return time.Duration(s.AllocateTimeout) * time.Second
}

// AuthConfig gates the API surface.
type AuthConfig struct {
	ServicePassword string `mapstructure:"service_password"`
	SecretKeyBase   string `mapstructure:"secret_key_base"`
}

// Load reads configuration from config.yaml (if present) and the environment.
// Environment variables override file values; the well-known infrastructure
// variables (DATABASE_URL, SANDBOX_TOKEN, ...) are bound explicitly.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/spritehub")

	setDefaults(v)

	v.SetEnvPrefix("SPRITEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy/infrastructure environment variables.
	bindings := map[string]string{
		"server.host":                 "HOST",
		"server.port":                 "PORT",
		"database.url":                "DATABASE_URL",
		"sprite.token":                "SANDBOX_TOKEN",
		"oauth.fallback_access_token": "AGENT_OAUTH_TOKEN",
		"github.token":                "GITHUB_TOKEN",
		"auth.service_password":       "SERVICE_PASSWORD",
		"auth.secret_key_base":        "SECRET_KEY_BASE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Sprite.Token == "" {
		return nil, fmt.Errorf("SANDBOX_TOKEN is required")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("sprite.base_url", "https://api.sprites.dev")
	v.SetDefault("sprite.default_name", "default")

	v.SetDefault("oauth.token_endpoint", "https://auth.agenthost.dev/v1/oauth/token")
	v.SetDefault("oauth.client_id", "spritehub-orchestrator")
	v.SetDefault("oauth.refresh_buffer", 5)

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("session.idle_timeout", 120)
	v.SetDefault("session.allocate_timeout", 120)
}

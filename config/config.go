package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the broker.
// Tags use mapstructure for Viper unmarshalling.
type Config struct {
	HTTPPort  string `mapstructure:"HTTP_PORT"`
	Issuer    string `mapstructure:"ISSUER"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Credential store binding. An empty REDIS_ADDR selects the in-memory
	// store, which is only suitable for a single instance.
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	RedisPrefix string `mapstructure:"REDIS_PREFIX"`

	// Flow state cookie signing key.
	CookieSigningKey string `mapstructure:"COOKIE_SIGNING_KEY"`

	// Upstream identity provider registration.
	UpstreamAuthorizationURL string `mapstructure:"UPSTREAM_AUTHORIZATION_URL"`
	UpstreamTokenURL         string `mapstructure:"UPSTREAM_TOKEN_URL"`
	UpstreamUserInfoURL      string `mapstructure:"UPSTREAM_USERINFO_URL"`
	UpstreamJWKSURL          string `mapstructure:"UPSTREAM_JWKS_URL"`
	UpstreamClientID         string `mapstructure:"UPSTREAM_CLIENT_ID"`
	UpstreamClientSecret     string `mapstructure:"UPSTREAM_CLIENT_SECRET"`
}

// Load reads configuration from file, environment variables, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/ci-oauth-broker/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("ISSUER", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("OTEL_SERVICE_NAME", "ci-oauth-broker")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PREFIX", "broker")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, we fall back to env vars and
		// defaults. Anything else is a real error.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}

// Validate enforces the settings the delegation flow cannot run without.
// Missing values are fatal configuration errors, never silently defaulted.
func (c *Config) Validate() error {
	switch {
	case c.Issuer == "":
		return errors.New("ISSUER is required")
	case c.CookieSigningKey == "":
		return errors.New("COOKIE_SIGNING_KEY is required")
	case c.UpstreamAuthorizationURL == "":
		return errors.New("UPSTREAM_AUTHORIZATION_URL is required")
	case c.UpstreamTokenURL == "":
		return errors.New("UPSTREAM_TOKEN_URL is required")
	case c.UpstreamUserInfoURL == "" && c.UpstreamJWKSURL == "":
		return errors.New("one of UPSTREAM_USERINFO_URL or UPSTREAM_JWKS_URL is required")
	case c.UpstreamClientID == "":
		return errors.New("UPSTREAM_CLIENT_ID is required")
	case c.UpstreamClientSecret == "":
		return errors.New("UPSTREAM_CLIENT_SECRET is required")
	}
	return nil
}

// UserInfoEndpoint returns the configured userinfo URL, deriving it from the
// JWKS URL when only that is set.
func (c *Config) UserInfoEndpoint() string {
	if c.UpstreamUserInfoURL != "" {
		return c.UpstreamUserInfoURL
	}
	return strings.Replace(c.UpstreamJWKSURL, "/certs", "/userinfo", 1)
}

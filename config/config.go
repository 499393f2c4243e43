// Package config loads and validates warden configuration from the environment
// and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	maxAccessTTL    = 15 * time.Minute
	maxRefreshGrace = time.Minute

	minServiceKeyLength = 32
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// RedisURL selects the Redis stores and redisstream events when set; in-memory otherwise.
	RedisURL string `mapstructure:"REDIS_URL"`
	// RedisPrefix namespaces every key written by the Redis stores.
	RedisPrefix string `mapstructure:"REDIS_PREFIX"`
	// JWTPrivateKey is a PEM-encoded P-256 key or a path to one. Empty generates an ephemeral key.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`

	AccessTTL       time.Duration `mapstructure:"ACCESS_TTL"`
	RefreshTTL      time.Duration `mapstructure:"REFRESH_TTL"`
	RefreshRotation bool          `mapstructure:"REFRESH_ROTATION"`
	// RefreshGrace is how long a just-rotated refresh token keeps returning its replacement.
	RefreshGrace time.Duration `mapstructure:"REFRESH_GRACE"`

	SessionIdleTimeout time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	SessionLifetime    time.Duration `mapstructure:"SESSION_LIFETIME"`
	SessionMaxPerUser  int           `mapstructure:"SESSION_MAX_PER_USER"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`

	RiskIPWeight        float64       `mapstructure:"RISK_IP_WEIGHT"`
	RiskUAWeight        float64       `mapstructure:"RISK_UA_WEIGHT"`
	RiskVelocityWeight  float64       `mapstructure:"RISK_VELOCITY_WEIGHT"`
	RiskVelocityLimit   int           `mapstructure:"RISK_VELOCITY_LIMIT"`
	RiskVelocityWindow  time.Duration `mapstructure:"RISK_VELOCITY_WINDOW"`
	RiskStepUpThreshold float64       `mapstructure:"RISK_STEP_UP_THRESHOLD"`

	MFAIssuer       string        `mapstructure:"MFA_ISSUER"`
	MFAChallengeTTL time.Duration `mapstructure:"MFA_CHALLENGE_TTL"`
	// MFAEncryptionKey is a base64 32-byte key sealing TOTP secrets. Empty generates an ephemeral key.
	MFAEncryptionKey string `mapstructure:"MFA_ENCRYPTION_KEY"`

	// ServiceAPIKeys is a comma-separated list of keys backends present in
	// X-Service-Key to reach login, token minting, session and MFA routes.
	// Empty closes those routes.
	ServiceAPIKeys string `mapstructure:"SERVICE_API_KEYS"`

	SentryDSN string `mapstructure:"SENTRY_DSN"`
	Env       string `mapstructure:"APP_ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":9000")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_PREFIX", "warden:")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "warden")
	v.SetDefault("ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_TTL", "168h")
	v.SetDefault("REFRESH_ROTATION", true)
	v.SetDefault("REFRESH_GRACE", "5s")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("SESSION_LIFETIME", "24h")
	v.SetDefault("SESSION_MAX_PER_USER", 5)
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("RISK_IP_WEIGHT", 5)
	v.SetDefault("RISK_UA_WEIGHT", 3)
	v.SetDefault("RISK_VELOCITY_WEIGHT", 2)
	v.SetDefault("RISK_VELOCITY_LIMIT", 30)
	v.SetDefault("RISK_VELOCITY_WINDOW", "1m")
	v.SetDefault("RISK_STEP_UP_THRESHOLD", 5)
	v.SetDefault("MFA_ISSUER", "Warden")
	v.SetDefault("MFA_CHALLENGE_TTL", "5m")
	v.SetDefault("MFA_ENCRYPTION_KEY", "")
	v.SetDefault("SERVICE_API_KEYS", "")
	v.SetDefault("SENTRY_DSN", "")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
}

// Validate rejects settings the services cannot honor.
func (c *Config) Validate() error {
	switch {
	case c.HTTPAddr == "":
		return errors.New("config: HTTP_ADDR must be set")
	case c.AccessTTL <= 0 || c.AccessTTL > maxAccessTTL:
		return fmt.Errorf("config: ACCESS_TTL must be in (0, %s]", maxAccessTTL)
	case c.RefreshTTL <= c.AccessTTL:
		return errors.New("config: REFRESH_TTL must exceed ACCESS_TTL")
	case c.RefreshGrace < 0 || c.RefreshGrace > maxRefreshGrace:
		return fmt.Errorf("config: REFRESH_GRACE must be in [0, %s]", maxRefreshGrace)
	case c.SessionIdleTimeout <= 0:
		return errors.New("config: SESSION_IDLE_TIMEOUT must be positive")
	case c.SessionLifetime < c.SessionIdleTimeout:
		return errors.New("config: SESSION_LIFETIME must be at least SESSION_IDLE_TIMEOUT")
	case c.SessionMaxPerUser < 1:
		return errors.New("config: SESSION_MAX_PER_USER must be at least 1")
	case c.RiskIPWeight < 0 || c.RiskUAWeight < 0 || c.RiskVelocityWeight < 0:
		return errors.New("config: risk weights must not be negative")
	case c.RiskStepUpThreshold <= 0 || c.RiskStepUpThreshold > 10:
		return errors.New("config: RISK_STEP_UP_THRESHOLD must be in (0, 10]")
	case c.MFAChallengeTTL <= 0:
		return errors.New("config: MFA_CHALLENGE_TTL must be positive")
	}
	for _, key := range c.ServiceKeys() {
		if len(key) < minServiceKeyLength {
			return fmt.Errorf("config: SERVICE_API_KEYS entries must be at least %d characters", minServiceKeyLength)
		}
	}
	if c.Env == "production" {
		if c.JWTPrivateKey == "" {
			return errors.New("config: JWT_PRIVATE_KEY is required when APP_ENV=production")
		}
		if c.MFAEncryptionKey == "" {
			return errors.New("config: MFA_ENCRYPTION_KEY is required when APP_ENV=production")
		}
		if len(c.ServiceKeys()) == 0 {
			return errors.New("config: SERVICE_API_KEYS is required when APP_ENV=production")
		}
	}
	return nil
}

// ServiceKeys splits ServiceAPIKeys, dropping blanks.
func (c *Config) ServiceKeys() []string {
	var keys []string
	for _, k := range strings.Split(c.ServiceAPIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Package sso is the HTTP surface of the identity server. It wires
// the login, session, and OAuth endpoints onto the server core and
// owns wire-format concerns: JSON shapes, cookies, and configuration
// loaded from the environment.
package sso

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/nimbusid/sso/security"
)

// Environment names. Production tightens cookie attributes and log
// output.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the process configuration, loaded from the environment.
type Config struct {
	// ListenAddr is the address the HTTP server binds.
	ListenAddr string `env:"SSO_LISTEN_ADDR" envDefault:":8080"`

	// Environment selects development or production behavior.
	Environment string `env:"SSO_ENVIRONMENT" envDefault:"development"`

	// IssuerURL is the public base URL of this server. Required.
	IssuerURL string `env:"SSO_ISSUER_URL"`

	// SigningSecret is the master secret behind every token signature.
	// Required, minimum 32 bytes.
	SigningSecret string `env:"SSO_SIGNING_SECRET,unset"`

	// RedisAddr selects the Redis backend when set; empty keeps
	// everything in process memory.
	RedisAddr     string `env:"SSO_REDIS_ADDR"`
	RedisPassword string `env:"SSO_REDIS_PASSWORD,unset"`
	RedisDB       int    `env:"SSO_REDIS_DB" envDefault:"0"`

	// Lifetimes. Zero means the package default.
	SessionTTL       time.Duration `env:"SSO_SESSION_TTL"`
	AccessTokenTTL   time.Duration `env:"SSO_ACCESS_TOKEN_TTL"`
	RefreshTokenTTL  time.Duration `env:"SSO_REFRESH_TOKEN_TTL"`
	MagicLinkTTL     time.Duration `env:"SSO_MAGIC_LINK_TTL"`
	PasswordResetTTL time.Duration `env:"SSO_PASSWORD_RESET_TTL"`
	AuthCodeTTL      time.Duration `env:"SSO_AUTH_CODE_TTL"`

	// StepUpEveryNthLogin challenges every nth password login with a
	// PIN. Zero disables step-up.
	StepUpEveryNthLogin int `env:"SSO_STEP_UP_EVERY_NTH_LOGIN" envDefault:"0"`

	// Rate limiting for credential endpoints, per client IP.
	RateLimitPerSecond int `env:"SSO_RATE_LIMIT_PER_SECOND" envDefault:"10"`
	RateLimitBurst     int `env:"SSO_RATE_LIMIT_BURST" envDefault:"20"`

	// MaxClientsPerIP caps dynamic client registrations per source IP.
	MaxClientsPerIP int `env:"SSO_MAX_CLIENTS_PER_IP" envDefault:"5"`

	// AuditEnabled turns the security audit log on.
	AuditEnabled bool `env:"SSO_AUDIT_ENABLED" envDefault:"true"`

	// TrustProxy honors X-Forwarded-For when the server sits behind a
	// proxy we control. TrustedProxyCount is counted from the right.
	TrustProxy        bool `env:"SSO_TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"SSO_TRUSTED_PROXY_COUNT" envDefault:"0"`

	// MetricsEnabled wires OpenTelemetry instrumentation.
	MetricsEnabled bool `env:"SSO_METRICS_ENABLED" envDefault:"false"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `env:"SSO_LOG_LEVEL" envDefault:"info"`
}

// LoadConfig reads configuration from a .env file (when present) and
// the process environment, then validates it.
func LoadConfig() (*Config, error) {
	// Missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required settings.
func (c *Config) Validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("SSO_ISSUER_URL is required")
	}
	parsed, err := url.Parse(c.IssuerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("SSO_ISSUER_URL must be an absolute URL")
	}
	if c.Environment == EnvProduction && parsed.Scheme != "https" {
		return fmt.Errorf("SSO_ISSUER_URL must use https in production")
	}

	if len(c.SigningSecret) < security.MinSecretLength {
		return fmt.Errorf("SSO_SIGNING_SECRET must be at least %d bytes", security.MinSecretLength)
	}

	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("SSO_ENVIRONMENT must be %q or %q", EnvDevelopment, EnvProduction)
	}

	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether the server runs with production
// hardening.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// SlogLevel returns the configured log level. Validate must have
// accepted the config first.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

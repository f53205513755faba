package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbusid/sso/instrumentation"
	"github.com/nimbusid/sso/internal/util"
	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/session"
	"github.com/nimbusid/sso/storage"
	"github.com/nimbusid/sso/token"
)

// Directory errors. Implementations must not distinguish "no such
// user" from "wrong password" in Authenticate; both are
// ErrInvalidCredentials.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

// User is an account in the directory.
type User struct {
	ID    string
	Email string
	Name  string
	Role  string
}

// UserDirectory is the account backend the SSO core authenticates
// against. It owns password storage and login accounting.
type UserDirectory interface {
	// Authenticate checks an email/password pair. Any failure is
	// ErrInvalidCredentials.
	Authenticate(ctx context.Context, email, password string) (*User, error)

	// GetUser fetches a user by ID.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByEmail fetches a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// SetPassword replaces the user's password.
	SetPassword(ctx context.Context, userID, password string) error

	// RecordLogin increments and returns the user's successful login
	// count. The count drives the step-up trigger policy.
	RecordLogin(ctx context.Context, userID string) (int, error)
}

// Deliverer sends credentials out of band (email, SMS). The SSO core
// never renders or transports messages itself.
type Deliverer interface {
	DeliverMagicLink(ctx context.Context, email, link string) error
	DeliverPin(ctx context.Context, email, pin string) error
	DeliverPasswordReset(ctx context.Context, email, link string) error
}

// Config holds server behavior settings.
type Config struct {
	// IssuerURL is the public base URL of this server, used as the JWT
	// iss claim and for building magic links.
	IssuerURL string

	// MagicLinkTTL is the lifetime of login magic links.
	MagicLinkTTL time.Duration

	// PasswordResetTTL is the lifetime of password reset links.
	PasswordResetTTL time.Duration

	// AuthCodeTTL is the lifetime of authorization codes.
	AuthCodeTTL time.Duration

	// FailureDelay is the fixed pause inserted before responding to a
	// failed credential check, masking the timing difference between
	// unknown users and wrong passwords.
	FailureDelay time.Duration

	// StepUpEveryNthLogin challenges every nth login with a PIN.
	// Zero disables step-up.
	StepUpEveryNthLogin int

	// MaxClientsPerIP caps dynamic client registrations per source IP.
	// Zero means unlimited.
	MaxClientsPerIP int

	// SupportedScopes is the full scope vocabulary this server grants.
	SupportedScopes []string
}

func (c *Config) applyDefaults() {
	if c.MagicLinkTTL <= 0 {
		c.MagicLinkTTL = 15 * time.Minute
	}
	if c.PasswordResetTTL <= 0 {
		c.PasswordResetTTL = time.Hour
	}
	if c.AuthCodeTTL <= 0 {
		c.AuthCodeTTL = time.Minute
	}
	if c.FailureDelay <= 0 {
		c.FailureDelay = 500 * time.Millisecond
	}
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = []string{"openid", "profile", "email", "offline_access"}
	}
}

// Server coordinates the SSO flows across the directory, token
// services, session service, and stores.
type Server struct {
	directory UserDirectory
	deliverer Deliverer

	sessions  *session.Service
	pins      *token.PinService
	singleUse *token.SingleUseService
	issuer    *token.Issuer

	clientStore storage.ClientStore
	codeStore   storage.CodeStore

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter
	Logger      *slog.Logger
	Config      *Config

	stepUp token.TriggerPolicy
	inst   *instrumentation.Instrumentation

	// sleep is time.Sleep, injectable so tests do not pay the
	// failure delay.
	sleep func(time.Duration)
}

// New creates an SSO server.
func New(
	directory UserDirectory,
	deliverer Deliverer,
	sessions *session.Service,
	pins *token.PinService,
	singleUse *token.SingleUseService,
	issuer *token.Issuer,
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if directory == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if singleUse == nil {
		return nil, fmt.Errorf("single-use token service is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if config.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		directory:   directory,
		deliverer:   deliverer,
		sessions:    sessions,
		pins:        pins,
		singleUse:   singleUse,
		issuer:      issuer,
		clientStore: clientStore,
		codeStore:   codeStore,
		Logger:      logger,
		Config:      config,
		stepUp:      token.EveryNthLogin(config.StepUpEveryNthLogin),
		sleep:       time.Sleep,
	}, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter for credential
// endpoints.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation wires OpenTelemetry metrics.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// metrics returns the instrument holder, or nil when instrumentation
// is not wired.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

// Sessions exposes the session service to the HTTP layer.
func (s *Server) Sessions() *session.Service {
	return s.sessions
}

// Issuer exposes the token issuer to the HTTP layer.
func (s *Server) Issuer() *token.Issuer {
	return s.issuer
}

// safeTruncate trims a value for logging.
func safeTruncate(s string, maxLen int) string {
	return util.SafeTruncate(s, maxLen)
}

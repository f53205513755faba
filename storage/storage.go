// Package storage defines the persisted record types and store
// interfaces for sessions, OAuth clients, authorization codes,
// single-use tokens, login PINs, and refresh tokens. It supports
// in-memory and Redis backends.
//
// Consume-once guarantees are enforced here, not in the services:
// every consume-style method must be an atomic conditional update so
// that of N concurrent consumers exactly one succeeds and the rest
// observe ErrAlreadyUsed.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for expected record states. Services and handlers
// check these with errors.Is; they are never wrapped into panics.
var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyUsed indicates a single-use record was consumed before.
	ErrAlreadyUsed = errors.New("already used")

	// ErrExpired indicates the record exists but its expiry has passed.
	ErrExpired = errors.New("expired")

	// ErrRevoked indicates the record was revoked.
	ErrRevoked = errors.New("revoked")

	// ErrClientLimit indicates an IP reached its client registration cap.
	ErrClientLimit = errors.New("client registration limit reached")
)

// Session is the server-side state for a bearer session. Only the
// SHA-256 hash of the session secret is stored.
type Session struct {
	ID             string
	TokenHash      string
	UserID         string
	Email          string
	Role           string
	IP             string
	UserAgent      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	RevokedAt      time.Time
	RevokeReason   string
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool {
	return !s.RevokedAt.IsZero()
}

// SessionStore persists bearer sessions keyed by token hash.
type SessionStore interface {
	// SaveSession stores a new session.
	SaveSession(ctx context.Context, session *Session) error

	// GetSessionByHash retrieves a session by token hash, including
	// revoked and expired ones. Returns ErrNotFound if absent.
	GetSessionByHash(ctx context.Context, tokenHash string) (*Session, error)

	// TouchSession updates LastAccessedAt. Best-effort: callers fire
	// it asynchronously and swallow errors.
	TouchSession(ctx context.Context, tokenHash string, at time.Time) error

	// RevokeSession marks a session revoked. Returns false without
	// error when the session is absent or already revoked (idempotent).
	RevokeSession(ctx context.Context, tokenHash, reason string, at time.Time) (bool, error)

	// RevokeSessionsByUser revokes every active session for a user and
	// returns the number revoked.
	RevokeSessionsByUser(ctx context.Context, userID, reason string, at time.Time) (int, error)

	// ListSessionsByUser returns all stored sessions for a user.
	ListSessionsByUser(ctx context.Context, userID string) ([]*Session, error)

	// DeleteSessionsBefore removes sessions that expired or were
	// revoked before the cutoff and returns the number removed.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Client status values.
const (
	ClientStatusActive   = "active"
	ClientStatusDisabled = "disabled"
)

// Client represents a registered OAuth client application.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt
	ClientName       string
	RedirectURIs     []string
	AllowedScopes    []string
	GrantTypes       []string
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the client may participate in flows.
func (c *Client) Active() bool {
	return c.Status == ClientStatusActive
}

// AllowsGrant reports whether the client was registered for the given
// grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	// SaveClient stores or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client. Returns ErrNotFound if absent.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (admin surface).
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit returns ErrClientLimit when the IP has registered
	// maxClientsPerIP clients already. Zero means no limit.
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// TrackClientIP records a successful registration from the IP.
	TrackClientIP(ctx context.Context, ip string) error
}

// AuthorizationCode is a short-lived, single-use code binding the
// authorization-time parameters to the eventual token exchange.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores an issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically checks that the code is
	// unused and marks it used. Exactly one of N concurrent calls
	// succeeds. On ErrAlreadyUsed the stored record is also returned
	// so callers can run their reuse-detection response.
	ConsumeAuthorizationCode(ctx context.Context, code string, at time.Time) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// SingleUseToken is the stored half of a signed single-use token
// (magic link or password reset). The raw token is never persisted.
type SingleUseToken struct {
	JTI       string
	TokenHash string
	Purpose   string
	UserType  string
	UserID    string
	OrgID     string
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    time.Time
}

// Used reports whether the token has been consumed.
func (t *SingleUseToken) Used() bool {
	return !t.UsedAt.IsZero()
}

// SingleUseTokenStore persists single-use token records keyed by
// token hash.
type SingleUseTokenStore interface {
	// SaveSingleUseToken stores an issued token record.
	SaveSingleUseToken(ctx context.Context, token *SingleUseToken) error

	// ConsumeSingleUseToken atomically sets UsedAt if and only if it
	// is unset. Returns ErrNotFound, ErrExpired, or ErrAlreadyUsed as
	// applicable; exactly one of N concurrent calls succeeds.
	ConsumeSingleUseToken(ctx context.Context, tokenHash string, at time.Time) (*SingleUseToken, error)

	// InvalidateSingleUseTokensByUser marks every outstanding token
	// for the user as used and returns the count. Called when a
	// stronger credential change makes outstanding tokens dangerous.
	InvalidateSingleUseTokensByUser(ctx context.Context, userID string, at time.Time) (int, error)
}

// LoginPin is a short-lived numeric step-up challenge. Only the bcrypt
// hash of the PIN is stored. A user has at most one live PIN.
type LoginPin struct {
	UserID            string
	PinHash           string
	AttemptsRemaining int
	CreatedAt         time.Time
	ExpiresAt         time.Time
	UsedAt            time.Time
}

// PinStore persists login PINs keyed by user ID.
type PinStore interface {
	// SaveLoginPin stores a PIN, replacing any previous one for the user.
	SaveLoginPin(ctx context.Context, pin *LoginPin) error

	// GetLoginPin retrieves the user's PIN. Returns ErrNotFound if absent.
	GetLoginPin(ctx context.Context, userID string) (*LoginPin, error)

	// DecrementPinAttempts atomically decrements AttemptsRemaining and
	// returns the new value, which may go negative once exhausted.
	DecrementPinAttempts(ctx context.Context, userID string) (int, error)

	// MarkPinUsed sets UsedAt if and only if it is unset. Returns
	// ErrAlreadyUsed when the PIN is already terminal.
	MarkPinUsed(ctx context.Context, userID string, at time.Time) error

	// DeleteLoginPin removes the user's PIN.
	DeleteLoginPin(ctx context.Context, userID string) error
}

// RefreshToken is the stored record for an opaque refresh token. Only
// the SHA-256 hash of the token is persisted. Tokens form families:
// each rotation issues the next generation of the same family, and
// reuse of a rotated-out token revokes the whole family.
type RefreshToken struct {
	TokenHash  string
	UserID     string
	ClientID   string
	FamilyID   string
	Generation int
	Scope      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  time.Time
}

// Revoked reports whether the refresh token has been invalidated.
func (t *RefreshToken) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// RefreshTokenStore persists refresh tokens keyed by token hash.
type RefreshTokenStore interface {
	// SaveRefreshToken stores an issued refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a token by hash, including revoked
	// ones. Returns ErrNotFound if absent.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically revokes a live token and returns
	// it. Returns ErrNotFound, ErrExpired, or ErrAlreadyUsed as
	// applicable; on ErrAlreadyUsed the record is also returned so the
	// caller can revoke its family.
	ConsumeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (*RefreshToken, error)

	// RevokeRefreshToken marks a token revoked. Returns false without
	// error when absent or already revoked (idempotent).
	RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error)

	// RevokeRefreshTokenFamily revokes every live token in a family
	// and returns the count.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error)

	// RevokeRefreshTokensByUserClient revokes every live token for a
	// user+client pair and returns the count. Used as the response to
	// authorization-code reuse.
	RevokeRefreshTokensByUserClient(ctx context.Context, userID, clientID string, at time.Time) (int, error)
}

// Store is the union of all store interfaces a full backend provides.
type Store interface {
	SessionStore
	ClientStore
	CodeStore
	SingleUseTokenStore
	PinStore
	RefreshTokenStore
}

package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/storage"
)

// Token issuance defaults.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultIDTokenTTL      = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Refresh token errors.
var (
	// ErrRefreshInvalid is returned for unknown tokens or tokens bound
	// to a different client.
	ErrRefreshInvalid = errors.New("invalid refresh token")

	// ErrRefreshExpired is returned when the token's lifetime has passed.
	ErrRefreshExpired = errors.New("refresh token expired")

	// ErrRefreshReused is returned when a rotated-out token is replayed.
	// The whole token family has been revoked by the time this returns.
	ErrRefreshReused = errors.New("refresh token reused")
)

// UserInfo carries the identity fields embedded in issued JWTs.
type UserInfo struct {
	ID    string
	Email string
	Name  string
	Role  string
}

// AccessClaims is the claim set of issued access tokens.
type AccessClaims struct {
	Scope    string `json:"scope,omitempty"`
	Role     string `json:"role,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// IDClaims is the claim set of issued OIDC ID tokens.
type IDClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Nonce string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// TokenSet is the result of a successful token grant.
type TokenSet struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
}

// IssuerConfig configures token lifetimes and the iss claim.
type IssuerConfig struct {
	// Issuer is the value of the iss claim, normally the public URL of
	// this server.
	Issuer string

	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration
}

// Issuer mints JWT access and ID tokens and manages opaque refresh
// tokens with rotation. Access tokens are stateless: revocation of a
// refresh token does not recall access tokens already in flight, which
// is why their lifetime is short.
type Issuer struct {
	store   storage.RefreshTokenStore
	auditor *security.Auditor
	logger  *slog.Logger

	issuer     string
	signingKey []byte
	accessTTL  time.Duration
	idTTL      time.Duration
	refreshTTL time.Duration
}

// NewIssuer creates a token issuer. JWTs are signed with the signer's
// OAuth subkey so all token families share one master secret.
func NewIssuer(signer *security.Signer, store storage.RefreshTokenStore, auditor *security.Auditor, logger *slog.Logger, cfg IssuerConfig) (*Issuer, error) {
	key, err := signer.SubKey(security.PurposeOAuth)
	if err != nil {
		return nil, err
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.IDTokenTTL <= 0 {
		cfg.IDTokenTTL = DefaultIDTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Issuer{
		store:      store,
		auditor:    auditor,
		logger:     logger,
		issuer:     cfg.Issuer,
		signingKey: key,
		accessTTL:  cfg.AccessTokenTTL,
		idTTL:      cfg.IDTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.accessTTL
}

// IssueAccessToken mints a signed access token for the user.
func (i *Issuer) IssueAccessToken(user UserInfo, clientID, scope string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Scope:    scope,
		Role:     user.Role,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
			ID:        uuid.NewString(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// IssueIDToken mints a signed OIDC ID token.
func (i *Issuer) IssueIDToken(user UserInfo, clientID, nonce string) (string, error) {
	now := time.Now()
	claims := IDClaims{
		Email: user.Email,
		Name:  user.Name,
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.idTTL)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken validates a token's signature, issuer, audience,
// and expiry and returns its claims. The audience is the client the
// token was minted for; a token issued to one client never verifies
// when presented on behalf of another.
func (i *Issuer) VerifyAccessToken(raw, audience string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return i.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, security.ErrInvalidToken
	}
	return claims, nil
}

// IssueRefreshToken mints an opaque refresh token starting a new
// family. The raw token is returned once; only its hash is stored.
func (i *Issuer) IssueRefreshToken(ctx context.Context, userID, clientID, scope string) (string, *storage.RefreshToken, error) {
	raw := oauth2.GenerateVerifier()
	now := time.Now()

	rec := &storage.RefreshToken{
		TokenHash:  security.HashToken(raw),
		UserID:     userID,
		ClientID:   clientID,
		FamilyID:   uuid.NewString(),
		Generation: 1,
		Scope:      scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.refreshTTL),
	}
	if err := i.store.SaveRefreshToken(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return raw, rec, nil
}

// Rotate exchanges a live refresh token for the next generation of its
// family and returns the old record alongside the new raw token.
//
// The new token is saved before the old one is consumed, so a crash
// between the two steps leaves both valid rather than neither. A replay
// of a consumed token is treated as theft: the entire family, including
// any token this call just minted, is revoked before ErrRefreshReused
// is returned.
func (i *Issuer) Rotate(ctx context.Context, rawToken, clientID, ip string) (string, *storage.RefreshToken, error) {
	hash := security.HashToken(rawToken)
	now := time.Now()

	old, err := i.store.GetRefreshToken(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil, ErrRefreshInvalid
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if old.ClientID != clientID {
		return "", nil, ErrRefreshInvalid
	}
	if old.Revoked() {
		return "", nil, i.handleReuse(ctx, old)
	}
	if security.Expired(old.ExpiresAt) {
		return "", nil, ErrRefreshExpired
	}

	newRaw := oauth2.GenerateVerifier()
	newRec := &storage.RefreshToken{
		TokenHash:  security.HashToken(newRaw),
		UserID:     old.UserID,
		ClientID:   old.ClientID,
		FamilyID:   old.FamilyID,
		Generation: old.Generation + 1,
		Scope:      old.Scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.refreshTTL),
	}
	if err := i.store.SaveRefreshToken(ctx, newRec); err != nil {
		return "", nil, fmt.Errorf("failed to save rotated token: %w", err)
	}

	_, err = i.store.ConsumeRefreshToken(ctx, hash, now)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		// A concurrent caller rotated the same token. One of the two is
		// an attacker replaying a stolen token, and we cannot tell
		// which, so neither wins.
		return "", nil, i.handleReuse(ctx, old)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
		return "", nil, ErrRefreshInvalid
	case err != nil:
		return "", nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	i.auditor.LogTokenRefreshed(old.UserID, old.ClientID, ip, newRec.Generation)
	return newRaw, old, nil
}

// handleReuse revokes the family of a replayed token and returns
// ErrRefreshReused.
func (i *Issuer) handleReuse(ctx context.Context, rec *storage.RefreshToken) error {
	count, err := i.store.RevokeRefreshTokenFamily(ctx, rec.FamilyID, time.Now())
	if err != nil {
		i.logger.Error("Failed to revoke token family after reuse",
			"family_id", rec.FamilyID,
			"error", err)
	} else {
		i.logger.Warn("Refresh token reuse detected, family revoked",
			"family_id", rec.FamilyID,
			"generation", rec.Generation,
			"revoked", count)
	}

	i.auditor.LogTokenReuseDetected(rec.UserID, rec.ClientID, "refresh_token")
	return ErrRefreshReused
}

// Revoke invalidates a refresh token and its whole family. Unknown
// tokens succeed silently per RFC 7009.
func (i *Issuer) Revoke(ctx context.Context, rawToken string) error {
	hash := security.HashToken(rawToken)

	rec, err := i.store.GetRefreshToken(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load refresh token: %w", err)
	}

	if _, err := i.store.RevokeRefreshTokenFamily(ctx, rec.FamilyID, time.Now()); err != nil {
		return fmt.Errorf("failed to revoke token family: %w", err)
	}

	i.auditor.LogTokenRevoked(rec.UserID, rec.ClientID, "", "refresh_token")
	return nil
}

// RevokeAllForUserClient revokes every refresh token a user holds with
// a client. Used as the response to authorization code replay.
func (i *Issuer) RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	return i.store.RevokeRefreshTokensByUserClient(ctx, userID, clientID, time.Now())
}

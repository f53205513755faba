// Package token implements the credential issuers of the SSO core:
// signed single-use tokens (magic links, password resets), step-up
// login PINs, and the OAuth access/refresh token issuer.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/storage"
)

// User types carried in single-use token payloads.
const (
	UserTypeUser  = "user"
	UserTypeAdmin = "admin"
)

// ErrTokenUsed is returned when a valid token was already consumed.
// Distinguished from security.ErrInvalidToken because reuse of a
// well-signed token is a signal worth reacting to.
var ErrTokenUsed = errors.New("token already used")

// payload is the signed content of a single-use token. Wire form is
// "jti.userType.purpose.expiry[.orgID]" with the expiry in RFC 3339.
type payload struct {
	JTI       string
	UserType  string
	Purpose   security.Purpose
	ExpiresAt time.Time
	OrgID     string
}

func (p payload) encode() []byte {
	parts := []string{
		p.JTI,
		p.UserType,
		string(p.Purpose),
		p.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if p.OrgID != "" {
		parts = append(parts, p.OrgID)
	}
	return []byte(strings.Join(parts, "."))
}

func parsePayload(raw []byte) (payload, error) {
	parts := strings.Split(string(raw), ".")
	if len(parts) != 4 && len(parts) != 5 {
		return payload{}, security.ErrInvalidToken
	}

	exp, err := time.Parse(time.RFC3339, parts[3])
	if err != nil {
		return payload{}, security.ErrInvalidToken
	}

	p := payload{
		JTI:       parts[0],
		UserType:  parts[1],
		Purpose:   security.Purpose(parts[2]),
		ExpiresAt: exp,
	}
	if len(parts) == 5 {
		p.OrgID = parts[4]
	}
	if p.JTI == "" || p.UserType == "" || p.Purpose == "" {
		return payload{}, security.ErrInvalidToken
	}
	return p, nil
}

// SingleUseService issues and consumes signed single-use tokens. The
// signature proves the token came from us; the stored record enforces
// that it is accepted exactly once.
type SingleUseService struct {
	signer  *security.Signer
	store   storage.SingleUseTokenStore
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewSingleUseService creates a single-use token service.
func NewSingleUseService(signer *security.Signer, store storage.SingleUseTokenStore, auditor *security.Auditor, logger *slog.Logger) *SingleUseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SingleUseService{
		signer:  signer,
		store:   store,
		auditor: auditor,
		logger:  logger,
	}
}

// IssueParams describes the token to mint.
type IssueParams struct {
	Purpose  security.Purpose
	UserType string
	UserID   string
	OrgID    string
	Email    string
	TTL      time.Duration
}

// Issue mints a signed single-use token and persists its hash. The raw
// token is returned once for delivery and never stored.
func (s *SingleUseService) Issue(ctx context.Context, params IssueParams) (string, error) {
	if params.UserID == "" {
		return "", fmt.Errorf("user ID is required")
	}
	if params.UserType == "" {
		params.UserType = UserTypeUser
	}
	if params.TTL <= 0 {
		return "", fmt.Errorf("token TTL must be positive")
	}

	now := time.Now()
	p := payload{
		JTI:       uuid.NewString(),
		UserType:  params.UserType,
		Purpose:   params.Purpose,
		ExpiresAt: now.Add(params.TTL),
		OrgID:     params.OrgID,
	}

	raw, err := s.signer.Sign(params.Purpose, p.encode())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	rec := &storage.SingleUseToken{
		JTI:       p.JTI,
		TokenHash: security.HashToken(raw),
		Purpose:   string(params.Purpose),
		UserType:  params.UserType,
		UserID:    params.UserID,
		OrgID:     params.OrgID,
		Email:     params.Email,
		CreatedAt: now,
		ExpiresAt: p.ExpiresAt,
	}
	if err := s.store.SaveSingleUseToken(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to save token record: %w", err)
	}

	s.logger.Debug("Single-use token issued",
		"purpose", params.Purpose,
		"jti", p.JTI,
		"expires_at", p.ExpiresAt)

	return raw, nil
}

// Consume verifies a token's signature and atomically marks it used.
// Of N concurrent calls with the same token exactly one receives the
// record; the rest get ErrTokenUsed. Tampered or malformed tokens
// always fail with security.ErrInvalidToken, regardless of whether a
// record exists.
func (s *SingleUseService) Consume(ctx context.Context, purpose security.Purpose, rawToken, ip string) (*storage.SingleUseToken, error) {
	decoded, err := s.signer.Verify(purpose, rawToken)
	if err != nil {
		s.auditor.LogTamperDetected(string(purpose), ip)
		return nil, security.ErrInvalidToken
	}

	p, err := parsePayload(decoded)
	if err != nil || p.Purpose != purpose {
		s.auditor.LogTamperDetected(string(purpose), ip)
		return nil, security.ErrInvalidToken
	}

	// The signed expiry is authoritative and checked strictly; the
	// record expiry below only backstops it.
	now := time.Now()
	if now.After(p.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	rec, err := s.store.ConsumeSingleUseToken(ctx, security.HashToken(rawToken), now)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		s.auditor.LogTokenReuseDetected(rec.UserID, "", string(purpose))
		return nil, ErrTokenUsed
	case errors.Is(err, storage.ErrNotFound):
		// Well-signed but unknown: issued before a store wipe or
		// invalidated by deletion. Not distinguishable for the caller.
		return nil, security.ErrInvalidToken
	case err != nil:
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	// The record is keyed by the token hash, so a JTI mismatch means
	// the store was corrupted or crossed with another environment.
	if rec.JTI != p.JTI {
		s.logger.Error("Token JTI mismatch",
			"payload_jti", p.JTI,
			"record_jti", rec.JTI)
		return nil, security.ErrInvalidToken
	}

	s.auditor.LogEvent(security.Event{
		Type:      security.EventTokenConsumed,
		UserID:    rec.UserID,
		IPAddress: ip,
		Details:   map[string]any{"purpose": string(purpose)},
	})

	return rec, nil
}

// InvalidateByUser marks all outstanding single-use tokens for a user
// as used. Called after a password change so stale reset links die.
func (s *SingleUseService) InvalidateByUser(ctx context.Context, userID string) (int, error) {
	count, err := s.store.InvalidateSingleUseTokensByUser(ctx, userID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate tokens: %w", err)
	}
	if count > 0 {
		s.logger.Info("Invalidated outstanding single-use tokens",
			"count", count)
	}
	return count, nil
}

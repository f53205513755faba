// Package session manages server-side bearer sessions. Session
// secrets are opaque random strings handed to the browser once; the
// store only ever sees their SHA-256 hash.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/storage"
)

// DefaultTTL is the default session lifetime.
const DefaultTTL = 24 * time.Hour

// Validation failure reasons.
const (
	ReasonNotFound = "session_not_found"
	ReasonRevoked  = "session_revoked"
	ReasonExpired  = "session_expired"
)

// Revocation reasons recorded on the session.
const (
	RevokeReasonLogout          = "logout"
	RevokeReasonPasswordChanged = "password_changed"
	RevokeReasonAdmin           = "admin_revoked"
)

// ValidationResult is the outcome of a session check. Reason is set
// only when Valid is false.
type ValidationResult struct {
	Valid   bool
	Session *storage.Session
	Reason  string
}

// Service creates, validates, and revokes sessions.
type Service struct {
	store   storage.SessionStore
	auditor *security.Auditor
	logger  *slog.Logger
	ttl     time.Duration

	// touches tracks in-flight asynchronous last-access updates so
	// Close can drain them.
	touches sync.WaitGroup
}

// NewService creates a session service. A non-positive ttl falls back
// to DefaultTTL.
func NewService(store storage.SessionStore, auditor *security.Auditor, logger *slog.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		auditor: auditor,
		logger:  logger,
		ttl:     ttl,
	}
}

// CreateParams describes the session to open.
type CreateParams struct {
	UserID    string
	Email     string
	Role      string
	IP        string
	UserAgent string
}

// Create opens a session and returns the raw secret exactly once,
// together with the stored record.
func (s *Service) Create(ctx context.Context, params CreateParams) (string, *storage.Session, error) {
	if params.UserID == "" {
		return "", nil, fmt.Errorf("user ID is required")
	}

	secret := oauth2.GenerateVerifier()
	now := time.Now()

	session := &storage.Session{
		ID:             uuid.NewString(),
		TokenHash:      security.HashToken(secret),
		UserID:         params.UserID,
		Email:          params.Email,
		Role:           params.Role,
		IP:             params.IP,
		UserAgent:      params.UserAgent,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		LastAccessedAt: now,
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return "", nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.auditor.LogEvent(security.Event{
		Type:      security.EventSessionCreated,
		UserID:    params.UserID,
		IPAddress: params.IP,
	})

	return secret, session, nil
}

// Validate checks a raw session secret. The failure reason is reported
// to the caller but must not be forwarded verbatim to untrusted
// clients. On success the session's last-access time is updated in the
// background; a failed touch never fails the validation.
func (s *Service) Validate(ctx context.Context, secret string) (*ValidationResult, error) {
	hash := security.HashToken(secret)

	session, err := s.store.GetSessionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &ValidationResult{Reason: ReasonNotFound}, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session.Revoked() {
		return &ValidationResult{Reason: ReasonRevoked}, nil
	}
	// Expiry is strict: grace periods on a session boundary would just
	// extend the session.
	if time.Now().After(session.ExpiresAt) {
		return &ValidationResult{Reason: ReasonExpired}, nil
	}

	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchSession(touchCtx, hash, time.Now()); err != nil {
			s.logger.Debug("Session touch failed", "error", err)
		}
	}()

	return &ValidationResult{Valid: true, Session: session}, nil
}

// Revoke closes a single session. Idempotent: revoking an unknown or
// already-revoked session reports false without error.
func (s *Service) Revoke(ctx context.Context, secret, reason string) (bool, error) {
	hash := security.HashToken(secret)

	revoked, err := s.store.RevokeSession(ctx, hash, reason, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	return revoked, nil
}

// RevokeAll closes every active session of a user, e.g. after a
// password change.
func (s *Service) RevokeAll(ctx context.Context, userID, reason string) (int, error) {
	count, err := s.store.RevokeSessionsByUser(ctx, userID, reason, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}

	if count > 0 {
		s.auditor.LogSessionRevoked(userID, "", reason)
	}
	return count, nil
}

// List returns all stored sessions of a user, including revoked and
// expired ones still within their retention window.
func (s *Service) List(ctx context.Context, userID string) ([]*storage.Session, error) {
	return s.store.ListSessionsByUser(ctx, userID)
}

// Cleanup deletes sessions that have been expired or revoked for
// longer than the retention period.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	count, err := s.store.DeleteSessionsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("session cleanup failed: %w", err)
	}
	if count > 0 {
		s.logger.Info("Session cleanup completed", "removed", count)
	}
	return count, nil
}

// Close waits for in-flight background touches to finish.
func (s *Service) Close() {
	s.touches.Wait()
}

// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusid/sso/instrumentation"
	"github.com/nimbusid/sso/storage"
)

// Store is an in-memory implementation of every storage interface.
// Records are copied on the way in and out so nothing outside the
// store can mutate its state except through the defined operations.
type Store struct {
	mu sync.RWMutex

	sessions        map[string]*storage.Session        // token hash -> session
	clients         map[string]*storage.Client         // client ID -> client
	clientsPerIP    map[string]int                     // IP -> registration count
	codes           map[string]*storage.AuthorizationCode
	singleUseTokens map[string]*storage.SingleUseToken // token hash -> record
	singleUseByUser map[string]map[string]struct{}     // user ID -> token hashes
	pins            map[string]*storage.LoginPin       // user ID -> pin
	refreshTokens   map[string]*storage.RefreshToken   // token hash -> record

	// Atomic counters for metric gauges (lock-free reads during
	// metric collection).
	sessionsCount      atomic.Int64
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	singleUseCount     atomic.Int64
	refreshTokensCount atomic.Int64

	instrumentation *instrumentation.Instrumentation

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New creates an in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup
// interval. Non-positive intervals fall back to 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		sessions:        make(map[string]*storage.Session),
		clients:         make(map[string]*storage.Client),
		clientsPerIP:    make(map[string]int),
		codes:           make(map[string]*storage.AuthorizationCode),
		singleUseTokens: make(map[string]*storage.SingleUseToken),
		singleUseByUser: make(map[string]map[string]struct{}),
		pins:            make(map[string]*storage.LoginPin),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation wires OpenTelemetry gauges for record counts.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.sessionsCount.Store(int64(len(s.sessions)))
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.codes)))
	s.singleUseCount.Store(int64(len(s.singleUseTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.sessionsCount.Load() },
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.singleUseCount.Load() },
			func() int64 { return s.refreshTokensCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// SessionStore
// ============================================================

// SaveSession stores a new session.
func (s *Store) SaveSession(_ context.Context, session *storage.Session) error {
	if session == nil || session.TokenHash == "" {
		return fmt.Errorf("session token hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *session
	s.sessions[session.TokenHash] = &cp
	s.sessionsCount.Store(int64(len(s.sessions)))
	return nil
}

// GetSessionByHash retrieves a session by token hash.
func (s *Store) GetSessionByHash(_ context.Context, tokenHash string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// TouchSession updates LastAccessedAt.
func (s *Store) TouchSession(_ context.Context, tokenHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[tokenHash]
	if !ok {
		return storage.ErrNotFound
	}
	session.LastAccessedAt = at
	return nil
}

// RevokeSession marks a session revoked. Idempotent.
func (s *Store) RevokeSession(_ context.Context, tokenHash, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[tokenHash]
	if !ok || session.Revoked() {
		return false, nil
	}
	session.RevokedAt = at
	session.RevokeReason = reason
	return true, nil
}

// RevokeSessionsByUser revokes every active session for a user.
func (s *Store) RevokeSessionsByUser(_ context.Context, userID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, session := range s.sessions {
		if session.UserID == userID && !session.Revoked() {
			session.RevokedAt = at
			session.RevokeReason = reason
			count++
		}
	}
	return count, nil
}

// ListSessionsByUser returns all stored sessions for a user.
func (s *Store) ListSessionsByUser(_ context.Context, userID string) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			cp := *session
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteSessionsBefore removes sessions expired or revoked before the
// cutoff.
func (s *Store) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for hash, session := range s.sessions {
		expiredOut := !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(cutoff)
		revokedOut := session.Revoked() && session.RevokedAt.Before(cutoff)
		if expiredOut || revokedOut {
			delete(s.sessions, hash)
			count++
		}
	}
	s.sessionsCount.Store(int64(len(s.sessions)))
	return count, nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores or replaces a client.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	cp.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	cp.AllowedScopes = append([]string(nil), client.AllowedScopes...)
	cp.GrantTypes = append([]string(nil), client.GrantTypes...)
	s.clients[client.ClientID] = &cp
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *client
	cp.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	cp.AllowedScopes = append([]string(nil), client.AllowedScopes...)
	cp.GrantTypes = append([]string(nil), client.GrantTypes...)
	return &cp, nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.clients, clientID)
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		out = append(out, &cp)
	}
	return out, nil
}

// CheckIPLimit returns ErrClientLimit when the IP is at its cap.
func (s *Store) CheckIPLimit(_ context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.clientsPerIP[ip] >= maxClientsPerIP {
		return storage.ErrClientLimit
	}
	return nil
}

// TrackClientIP records a successful registration from the IP.
func (s *Store) TrackClientIP(_ context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode stores an issued code.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[code.Code] = &cp
	s.codesCount.Store(int64(len(s.codes)))
	return nil
}

// ConsumeAuthorizationCode atomically checks and marks a code used.
// The check and the mark happen under one lock so of N concurrent
// callers exactly one succeeds.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string, at time.Time) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.Used {
		cp := *rec
		return &cp, storage.ErrAlreadyUsed
	}
	if at.After(rec.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	rec.Used = true
	cp := *rec
	return &cp, nil
}

// DeleteAuthorizationCode removes a code.
func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	s.codesCount.Store(int64(len(s.codes)))
	return nil
}

// ============================================================
// SingleUseTokenStore
// ============================================================

// SaveSingleUseToken stores an issued token record.
func (s *Store) SaveSingleUseToken(_ context.Context, token *storage.SingleUseToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.singleUseTokens[token.TokenHash]; exists {
		return fmt.Errorf("token hash collision")
	}

	cp := *token
	s.singleUseTokens[token.TokenHash] = &cp
	byUser, ok := s.singleUseByUser[token.UserID]
	if !ok {
		byUser = make(map[string]struct{})
		s.singleUseByUser[token.UserID] = byUser
	}
	byUser[token.TokenHash] = struct{}{}
	s.singleUseCount.Store(int64(len(s.singleUseTokens)))
	return nil
}

// ConsumeSingleUseToken atomically sets UsedAt iff it is unset.
func (s *Store) ConsumeSingleUseToken(_ context.Context, tokenHash string, at time.Time) (*storage.SingleUseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.singleUseTokens[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.Used() {
		cp := *rec
		return &cp, storage.ErrAlreadyUsed
	}
	if at.After(rec.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	rec.UsedAt = at
	cp := *rec
	return &cp, nil
}

// InvalidateSingleUseTokensByUser marks every outstanding token for
// the user as used.
func (s *Store) InvalidateSingleUseTokensByUser(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for hash := range s.singleUseByUser[userID] {
		rec, ok := s.singleUseTokens[hash]
		if !ok || rec.Used() {
			continue
		}
		rec.UsedAt = at
		count++
	}
	return count, nil
}

// ============================================================
// PinStore
// ============================================================

// SaveLoginPin stores a PIN, replacing any previous one for the user.
func (s *Store) SaveLoginPin(_ context.Context, pin *storage.LoginPin) error {
	if pin == nil || pin.UserID == "" {
		return fmt.Errorf("pin user ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *pin
	s.pins[pin.UserID] = &cp
	return nil
}

// GetLoginPin retrieves the user's PIN.
func (s *Store) GetLoginPin(_ context.Context, userID string) (*storage.LoginPin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pin, ok := s.pins[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *pin
	return &cp, nil
}

// DecrementPinAttempts atomically decrements the attempt counter.
func (s *Store) DecrementPinAttempts(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pin, ok := s.pins[userID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	pin.AttemptsRemaining--
	return pin.AttemptsRemaining, nil
}

// MarkPinUsed sets UsedAt iff it is unset.
func (s *Store) MarkPinUsed(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pin, ok := s.pins[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if !pin.UsedAt.IsZero() {
		return storage.ErrAlreadyUsed
	}
	pin.UsedAt = at
	return nil
}

// DeleteLoginPin removes the user's PIN.
func (s *Store) DeleteLoginPin(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pins, userID)
	return nil
}

// ============================================================
// RefreshTokenStore
// ============================================================

// SaveRefreshToken stores an issued refresh token.
func (s *Store) SaveRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("refresh token hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.refreshTokens[token.TokenHash] = &cp
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// GetRefreshToken retrieves a token by hash.
func (s *Store) GetRefreshToken(_ context.Context, tokenHash string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ConsumeRefreshToken atomically revokes a live token and returns it.
func (s *Store) ConsumeRefreshToken(_ context.Context, tokenHash string, at time.Time) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.Revoked() {
		cp := *rec
		return &cp, storage.ErrAlreadyUsed
	}
	if at.After(rec.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	rec.RevokedAt = at
	cp := *rec
	return &cp, nil
}

// RevokeRefreshToken marks a token revoked. Idempotent.
func (s *Store) RevokeRefreshToken(_ context.Context, tokenHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[tokenHash]
	if !ok || rec.Revoked() {
		return false, nil
	}
	rec.RevokedAt = at
	return true, nil
}

// RevokeRefreshTokenFamily revokes every live token in a family.
func (s *Store) RevokeRefreshTokenFamily(_ context.Context, familyID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.refreshTokens {
		if rec.FamilyID == familyID && !rec.Revoked() {
			rec.RevokedAt = at
			count++
		}
	}
	return count, nil
}

// RevokeRefreshTokensByUserClient revokes every live token for a
// user+client pair.
func (s *Store) RevokeRefreshTokensByUserClient(_ context.Context, userID, clientID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.refreshTokens {
		if rec.UserID == userID && rec.ClientID == clientID && !rec.Revoked() {
			rec.RevokedAt = at
			count++
		}
	}
	return count, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired is the TTL sweep: it removes expired codes, tokens,
// PINs, and long-expired sessions independently of any caller-driven
// cleanup.
func (s *Store) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for code, rec := range s.codes {
		if now.After(rec.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}

	for hash, rec := range s.singleUseTokens {
		if now.After(rec.ExpiresAt) {
			delete(s.singleUseTokens, hash)
			if byUser, ok := s.singleUseByUser[rec.UserID]; ok {
				delete(byUser, hash)
				if len(byUser) == 0 {
					delete(s.singleUseByUser, rec.UserID)
				}
			}
			removed++
		}
	}

	for userID, pin := range s.pins {
		if now.After(pin.ExpiresAt) {
			delete(s.pins, userID)
			removed++
		}
	}

	for hash, rec := range s.refreshTokens {
		if now.After(rec.ExpiresAt) {
			delete(s.refreshTokens, hash)
			removed++
		}
	}

	for hash, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, hash)
			removed++
		}
	}

	s.sessionsCount.Store(int64(len(s.sessions)))
	s.codesCount.Store(int64(len(s.codes)))
	s.singleUseCount.Store(int64(len(s.singleUseTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	if removed > 0 {
		s.logger.Debug("Storage cleanup completed", "removed", removed)
	}
}

package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/storage"
)

// PIN issuance defaults.
const (
	PinLength          = 6
	DefaultPinTTL      = 5 * time.Minute
	DefaultPinAttempts = 3
)

// PIN verification errors.
var (
	// ErrPinInvalid is returned when the PIN does not match or no
	// challenge is pending.
	ErrPinInvalid = errors.New("invalid pin")

	// ErrPinExpired is returned when the challenge's window has passed.
	ErrPinExpired = errors.New("pin expired")

	// ErrPinTooManyAttempts is returned once the attempt budget is
	// exhausted. The challenge is dead; the user must log in again.
	ErrPinTooManyAttempts = errors.New("too many pin attempts")
)

// TriggerPolicy decides whether a login requires a step-up PIN
// challenge, given the user's total successful login count.
type TriggerPolicy func(loginCount int) bool

// EveryNthLogin returns a policy that challenges every nth login.
// n <= 0 disables step-up entirely.
func EveryNthLogin(n int) TriggerPolicy {
	return func(loginCount int) bool {
		if n <= 0 {
			return false
		}
		return loginCount%n == 0
	}
}

// PinService issues and verifies short-lived numeric step-up PINs.
// Only the bcrypt hash of a PIN is stored, and a user has at most one
// live challenge at a time.
type PinService struct {
	store    storage.PinStore
	auditor  *security.Auditor
	logger   *slog.Logger
	ttl      time.Duration
	attempts int
}

// NewPinService creates a PIN service with the default TTL and attempt
// budget.
func NewPinService(store storage.PinStore, auditor *security.Auditor, logger *slog.Logger) *PinService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PinService{
		store:    store,
		auditor:  auditor,
		logger:   logger,
		ttl:      DefaultPinTTL,
		attempts: DefaultPinAttempts,
	}
}

// generatePin returns a zero-padded random numeric string.
func generatePin() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < PinLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", PinLength, n), nil
}

// Issue creates a new PIN challenge for the user, replacing any
// previous one. The raw PIN is returned once for delivery.
func (s *PinService) Issue(ctx context.Context, userID, ip string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}

	pin, err := generatePin()
	if err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash pin: %w", err)
	}

	now := time.Now()
	rec := &storage.LoginPin{
		UserID:            userID,
		PinHash:           string(hash),
		AttemptsRemaining: s.attempts,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}
	if err := s.store.SaveLoginPin(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to save pin: %w", err)
	}

	s.auditor.LogPinIssued(userID, ip)
	return pin, nil
}

// Verify checks a submitted PIN against the user's pending challenge.
//
// The attempt counter is decremented before the comparison, so a crash
// between the two can only cost the user an attempt, never grant a
// free one. Once the budget is spent the challenge is dead even if the
// correct PIN arrives afterwards.
func (s *PinService) Verify(ctx context.Context, userID, pin, ip string) error {
	rec, err := s.store.GetLoginPin(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrPinInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to load pin: %w", err)
	}

	if !rec.UsedAt.IsZero() {
		return ErrPinInvalid
	}
	if security.Expired(rec.ExpiresAt) {
		return ErrPinExpired
	}

	remaining, err := s.store.DecrementPinAttempts(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to decrement pin attempts: %w", err)
	}
	if remaining < 0 {
		s.auditor.LogPinExhausted(userID, ip)
		return ErrPinTooManyAttempts
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.PinHash), []byte(pin)) != nil {
		if remaining == 0 {
			s.auditor.LogPinExhausted(userID, ip)
			return ErrPinTooManyAttempts
		}
		return ErrPinInvalid
	}

	// Exactly one concurrent correct submission wins the mark.
	if err := s.store.MarkPinUsed(ctx, userID, time.Now()); err != nil {
		if errors.Is(err, storage.ErrAlreadyUsed) || errors.Is(err, storage.ErrNotFound) {
			return ErrPinInvalid
		}
		return fmt.Errorf("failed to mark pin used: %w", err)
	}

	return nil
}

// Cancel removes any pending challenge for the user.
func (s *PinService) Cancel(ctx context.Context, userID string) error {
	return s.store.DeleteLoginPin(ctx, userID)
}

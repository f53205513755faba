package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventLoginSucceeded       = "login_succeeded"
	EventLoginFailed          = "login_failed"
	EventPinIssued            = "pin_issued"
	EventPinExhausted         = "pin_exhausted"
	EventSessionCreated       = "session_created"
	EventSessionRevoked       = "session_revoked"
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventTokenRevoked         = "token_revoked"
	EventTokenConsumed        = "single_use_token_consumed"
	EventTokenReuseDetected   = "token_reuse_detected"
	EventTamperDetected       = "tamper_detected"
	EventRateLimitExceeded    = "rate_limit_exceeded"
	EventClientRegistered     = "client_registered"
	EventClientSecretRotated  = "client_secret_rotated"
	EventAuthorizationGranted = "authorization_granted"
)

// Auditor handles security event logging with PII protection. User
// identifiers are hashed before they reach the log sink.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor. When disabled, every Log call
// is a no-op.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLoginFailed logs a failed credential check. The reason stays
// internal; callers return a generic error to the user.
func (a *Auditor) LogLoginFailed(email, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventLoginFailed,
		UserID:    email,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogLoginSucceeded logs a successful login.
func (a *Auditor) LogLoginSucceeded(userID, ipAddress string, stepUp bool) {
	a.LogEvent(Event{
		Type:      EventLoginSucceeded,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"step_up": stepUp,
		},
	})
}

// LogPinIssued logs issuance of a step-up PIN.
func (a *Auditor) LogPinIssued(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventPinIssued,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogPinExhausted logs that a PIN ran out of verification attempts.
func (a *Auditor) LogPinExhausted(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventPinExhausted,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogSessionRevoked logs a session revocation.
func (a *Auditor) LogSessionRevoked(userID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventSessionRevoked,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAuthorizationGranted logs issuance of an authorization code.
func (a *Auditor) LogAuthorizationGranted(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationGranted,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenIssued logs issuance of an OAuth token set.
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a refresh-token rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string, generation int) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"generation": generation,
		},
	})
}

// LogTokenRevoked logs a token revocation.
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogTokenReuseDetected logs reuse of a consumed code or refresh
// token. Treated as a compromise signal by callers.
func (a *Auditor) LogTokenReuseDetected(userID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"severity":   "critical",
			"token_type": tokenType,
		},
	})
}

// LogTamperDetected logs a signature verification failure on a token
// that was shaped like one of ours.
func (a *Auditor) LogTamperDetected(purpose, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTamperDetected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"purpose": purpose,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs registration of a new OAuth client.
func (a *Auditor) LogClientRegistered(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogClientSecretRotated logs regeneration of a client secret.
func (a *Auditor) LogClientSecretRotated(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientSecretRotated,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data so
// events can be correlated without recording the value itself.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

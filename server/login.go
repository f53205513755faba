package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/session"
	"github.com/nimbusid/sso/storage"
	"github.com/nimbusid/sso/token"
)

// LoginRequest carries a password login attempt.
type LoginRequest struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// LoginResult is the outcome of a successful credential check. Either
// a session was opened, or a step-up PIN challenge is pending and the
// caller must come back through CompleteStepUp.
type LoginResult struct {
	StepUpRequired bool
	UserID         string

	// Set only when a session was opened.
	SessionSecret string
	Session       *storage.Session
}

// Login checks credentials and opens a session, or starts a step-up
// PIN challenge when the trigger policy fires. All credential failures
// collapse to the same error after a fixed delay.
func (s *Server) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if s.RateLimiter != nil && !s.RateLimiter.Allow(req.IP) {
		s.Auditor.LogRateLimitExceeded(req.IP, "")
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "login")
		}
		return nil, ErrRateLimited("too many login attempts")
	}

	user, err := s.directory.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		return nil, s.failLogin(ctx, req.Email, req.IP, "invalid_credentials")
	}

	loginCount, err := s.directory.RecordLogin(ctx, user.ID)
	if err != nil {
		s.Logger.Error("Failed to record login", "error", err)
		return nil, ErrServerError("login failed")
	}

	if s.stepUp(loginCount) && s.pins != nil && s.deliverer != nil {
		pin, err := s.pins.Issue(ctx, user.ID, req.IP)
		if err != nil {
			s.Logger.Error("Failed to issue step-up pin", "error", err)
			return nil, ErrServerError("login failed")
		}
		if err := s.deliverer.DeliverPin(ctx, user.Email, pin); err != nil {
			s.Logger.Error("Failed to deliver step-up pin", "error", err)
			// The challenge record would dangle otherwise.
			_ = s.pins.Cancel(ctx, user.ID)
			return nil, ErrServerError("login failed")
		}

		s.Auditor.LogLoginSucceeded(user.ID, req.IP, true)
		if m := s.metrics(); m != nil {
			m.RecordLoginAttempt(ctx, "step_up")
			m.RecordPinChallenge(ctx)
		}
		return &LoginResult{StepUpRequired: true, UserID: user.ID}, nil
	}

	return s.openSession(ctx, user, req.IP, req.UserAgent, false)
}

// CompleteStepUp verifies the PIN for a pending challenge and opens
// the session the original login deferred.
func (s *Server) CompleteStepUp(ctx context.Context, userID, pin, ip, userAgent string) (*LoginResult, error) {
	if s.RateLimiter != nil && !s.RateLimiter.Allow(ip) {
		s.Auditor.LogRateLimitExceeded(ip, userID)
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "step_up")
		}
		return nil, ErrRateLimited("too many verification attempts")
	}
	if s.pins == nil {
		return nil, ErrInvalidRequest("step-up verification is not enabled")
	}

	if err := s.pins.Verify(ctx, userID, pin, ip); err != nil {
		switch {
		case errors.Is(err, token.ErrPinTooManyAttempts):
			return nil, s.failLogin(ctx, userID, ip, "pin_attempts_exhausted")
		case errors.Is(err, token.ErrPinExpired):
			return nil, s.failLogin(ctx, userID, ip, "pin_expired")
		case errors.Is(err, token.ErrPinInvalid):
			return nil, s.failLogin(ctx, userID, ip, "pin_invalid")
		default:
			s.Logger.Error("Pin verification failed", "error", err)
			return nil, ErrServerError("verification failed")
		}
	}

	user, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		s.Logger.Error("User lookup failed after step-up", "error", err)
		return nil, ErrServerError("verification failed")
	}

	return s.openSession(ctx, user, ip, userAgent, true)
}

// RequestMagicLink issues a login magic link for the address and hands
// it to the deliverer. The response is identical whether or not the
// address belongs to an account, so the endpoint cannot be used to
// enumerate users.
func (s *Server) RequestMagicLink(ctx context.Context, email, ip string) error {
	if s.RateLimiter != nil && !s.RateLimiter.Allow(ip) {
		s.Auditor.LogRateLimitExceeded(ip, "")
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "magic_link")
		}
		return ErrRateLimited("too many requests")
	}

	user, err := s.directory.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.Logger.Debug("Magic link requested for unknown address")
			return nil
		}
		s.Logger.Error("User lookup failed for magic link", "error", err)
		return nil
	}

	raw, err := s.singleUse.Issue(ctx, token.IssueParams{
		Purpose:  security.PurposeLogin,
		UserType: token.UserTypeUser,
		UserID:   user.ID,
		Email:    user.Email,
		TTL:      s.Config.MagicLinkTTL,
	})
	if err != nil {
		s.Logger.Error("Failed to issue magic link token", "error", err)
		return nil
	}

	link := s.buildLink("/magic", "t", raw)
	if err := s.deliverer.DeliverMagicLink(ctx, user.Email, link); err != nil {
		s.Logger.Error("Failed to deliver magic link", "error", err)
	}
	return nil
}

// ConsumeMagicLink redeems a magic link token and opens a session.
func (s *Server) ConsumeMagicLink(ctx context.Context, rawToken, ip, userAgent string) (*LoginResult, error) {
	rec, err := s.singleUse.Consume(ctx, security.PurposeLogin, rawToken, ip)
	if err != nil {
		return nil, s.failLogin(ctx, "", ip, magicLinkFailureReason(err))
	}

	user, err := s.directory.GetUser(ctx, rec.UserID)
	if err != nil {
		s.Logger.Error("User lookup failed for magic link", "error", err)
		return nil, ErrServerError("login failed")
	}

	return s.openSession(ctx, user, ip, userAgent, false)
}

// RequestPasswordReset issues a password reset link. Like magic links,
// the response never reveals whether the address exists.
func (s *Server) RequestPasswordReset(ctx context.Context, email, ip string) error {
	if s.RateLimiter != nil && !s.RateLimiter.Allow(ip) {
		s.Auditor.LogRateLimitExceeded(ip, "")
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "password_reset")
		}
		return ErrRateLimited("too many requests")
	}

	user, err := s.directory.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			s.Logger.Error("User lookup failed for password reset", "error", err)
		}
		return nil
	}

	raw, err := s.singleUse.Issue(ctx, token.IssueParams{
		Purpose:  security.PurposePasswordReset,
		UserType: token.UserTypeUser,
		UserID:   user.ID,
		Email:    user.Email,
		TTL:      s.Config.PasswordResetTTL,
	})
	if err != nil {
		s.Logger.Error("Failed to issue password reset token", "error", err)
		return nil
	}

	// The link lands on the reset page, which collects the new password
	// and posts the token back through CompletePasswordReset.
	link := s.buildLink("/reset", "token", raw)
	if err := s.deliverer.DeliverPasswordReset(ctx, user.Email, link); err != nil {
		s.Logger.Error("Failed to deliver password reset", "error", err)
	}
	return nil
}

// CompletePasswordReset redeems a reset token and replaces the
// password. Every other reset token and every session the user holds
// is invalidated, so a reset fully evicts an attacker who had either.
func (s *Server) CompletePasswordReset(ctx context.Context, rawToken, newPassword, ip string) error {
	if newPassword == "" {
		return ErrInvalidRequest("new password is required")
	}

	rec, err := s.singleUse.Consume(ctx, security.PurposePasswordReset, rawToken, ip)
	if err != nil {
		return s.failLogin(ctx, "", ip, magicLinkFailureReason(err))
	}

	if err := s.directory.SetPassword(ctx, rec.UserID, newPassword); err != nil {
		s.Logger.Error("Failed to set password", "error", err)
		return ErrServerError("password reset failed")
	}

	if count, err := s.singleUse.InvalidateByUser(ctx, rec.UserID); err != nil {
		s.Logger.Warn("Failed to invalidate outstanding tokens", "error", err)
	} else if count > 0 {
		s.Logger.Info("Invalidated outstanding single-use tokens", "count", count)
	}

	if _, err := s.sessions.RevokeAll(ctx, rec.UserID, session.RevokeReasonPasswordChanged); err != nil {
		s.Logger.Warn("Failed to revoke sessions after password reset", "error", err)
	}

	s.Logger.Info("Password reset completed")
	return nil
}

// Logout revokes the session for the given secret. Unknown secrets
// succeed silently.
func (s *Server) Logout(ctx context.Context, sessionSecret, ip string) error {
	revoked, err := s.sessions.Revoke(ctx, sessionSecret, session.RevokeReasonLogout)
	if err != nil {
		s.Logger.Error("Logout failed", "error", err)
		return ErrServerError("logout failed")
	}
	if revoked {
		s.Logger.Debug("Session revoked on logout", "ip", ip)
		if m := s.metrics(); m != nil {
			m.RecordSessionClosed(ctx, session.RevokeReasonLogout)
		}
	}
	return nil
}

// openSession creates the session and assembles the login result.
func (s *Server) openSession(ctx context.Context, user *User, ip, userAgent string, afterStepUp bool) (*LoginResult, error) {
	secret, sess, err := s.sessions.Create(ctx, session.CreateParams{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		IP:        ip,
		UserAgent: userAgent,
	})
	if err != nil {
		s.Logger.Error("Failed to create session", "error", err)
		return nil, ErrServerError("login failed")
	}

	s.Auditor.LogLoginSucceeded(user.ID, ip, afterStepUp)
	if m := s.metrics(); m != nil {
		m.RecordLoginAttempt(ctx, "success")
		m.RecordSessionOpened(ctx)
	}

	return &LoginResult{
		UserID:        user.ID,
		SessionSecret: secret,
		Session:       sess,
	}, nil
}

// failLogin applies the fixed failure delay, audits, and returns the
// generic credential error. The identifier may be an email, a user ID,
// or empty depending on what the flow knows.
func (s *Server) failLogin(ctx context.Context, identifier, ip, reason string) error {
	s.sleep(s.Config.FailureDelay)
	s.Auditor.LogLoginFailed(identifier, ip, reason)
	if m := s.metrics(); m != nil {
		m.RecordLoginAttempt(ctx, "failure")
	}
	return ErrAccessDenied("invalid credentials")
}

// buildLink renders an issuer-relative link carrying a token in the
// named query parameter.
func (s *Server) buildLink(path, param, rawToken string) string {
	return fmt.Sprintf("%s%s?%s=%s", s.Config.IssuerURL, path, param, url.QueryEscape(rawToken))
}

// magicLinkFailureReason maps consume errors to audit reasons without
// leaking them to the caller.
func magicLinkFailureReason(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenUsed):
		return "token_reused"
	case errors.Is(err, security.ErrInvalidToken):
		return "token_invalid"
	default:
		return "token_error"
	}
}

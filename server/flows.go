package server

import (
	"context"
	"errors"
	"time"

	"github.com/nimbusid/sso/storage"
	"github.com/nimbusid/sso/token"
	"golang.org/x/oauth2"
)

// AuthorizeRequest carries the validated parameters of an
// authorization request for an already-authenticated user.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	IP                  string
}

// Authorize issues an authorization code binding the request
// parameters to the user's grant. PKCE with S256 is mandatory.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.UserID == "" {
		return "", ErrAccessDenied("authentication required")
	}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if !client.Active() {
		return "", ErrUnauthorizedClient("client is disabled")
	}

	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		// Never redirect errors to an unvalidated URI.
		return "", ErrInvalidRedirectURI(err.Error())
	}

	if req.CodeChallenge == "" {
		return "", ErrInvalidRequest("code_challenge is required")
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		}
		return "", ErrInvalidRequest("code_challenge_method must be S256")
	}

	scope, err := s.resolveScope(req.Scope, client)
	if err != nil {
		return "", ErrInvalidScope(err.Error())
	}

	code := oauth2.GenerateVerifier()
	now := time.Now()
	rec := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthCodeTTL),
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, rec); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		return "", ErrServerError("authorization failed")
	}

	s.Auditor.LogAuthorizationGranted(req.UserID, client.ClientID, req.IP, scope)
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationGranted(ctx, client.ClientID)
	}

	return code, nil
}

// ExchangeRequest carries the token endpoint parameters for the
// authorization_code grant.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
	IP           string
}

// Exchange redeems an authorization code for a token set. The code is
// consumed atomically before any other validation, so of N concurrent
// exchanges exactly one can proceed. Replay of a consumed code revokes
// every refresh token the user holds with the client.
func (s *Server) Exchange(ctx context.Context, req ExchangeRequest) (*token.TokenSet, error) {
	client, err := s.VerifyClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient("client is not registered for the authorization_code grant")
	}

	rec, err := s.codeStore.ConsumeAuthorizationCode(ctx, req.Code, time.Now())
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyUsed) && rec != nil {
			return nil, s.handleCodeReuse(ctx, rec, client.ClientID, req.IP)
		}

		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", client.ClientID,
			"code_prefix", safeTruncate(req.Code, 8))
		return nil, ErrInvalidGrant("invalid grant")
	}

	// The code is marked used from here on: every remaining check that
	// fails burns it, which is the safe direction.

	if rec.ClientID != client.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"client_id", client.ClientID)
		return nil, ErrInvalidGrant("invalid grant")
	}
	if rec.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID)
		return nil, ErrInvalidGrant("invalid grant")
	}
	if err := s.validatePKCE(rec.CodeChallenge, rec.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Logger.Debug("PKCE validation failed",
			"reason", err.Error(),
			"client_id", client.ClientID)
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, rec.CodeChallengeMethod)
		}
		return nil, ErrInvalidGrant("invalid grant")
	}

	user, err := s.directory.GetUser(ctx, rec.UserID)
	if err != nil {
		s.Logger.Error("User lookup failed during exchange",
			"error", err)
		return nil, ErrInvalidGrant("invalid grant")
	}

	set, err := s.issueTokenSet(ctx, user, client, rec.Scope, req.IP)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID, rec.CodeChallengeMethod)
	}
	return set, nil
}

// handleCodeReuse runs the OAuth 2.1 response to a replayed code:
// every refresh token for the user and the code's bound client is
// revoked before the generic error goes back. The caller may be a
// different (attacker-controlled) client; the grant under attack is
// the recorded one.
func (s *Server) handleCodeReuse(ctx context.Context, rec *storage.AuthorizationCode, callerClientID, ip string) error {
	s.Logger.Error("Authorization code reuse detected, revoking user tokens",
		"client_id", rec.ClientID,
		"caller_client_id", callerClientID,
		"ip", ip)

	count, err := s.issuer.RevokeAllForUserClient(ctx, rec.UserID, rec.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse", "error", err)
	} else if count > 0 {
		s.Logger.Warn("Revoked refresh tokens after code reuse",
			"count", count)
	}

	_ = s.codeStore.DeleteAuthorizationCode(ctx, rec.Code)

	s.Auditor.LogTokenReuseDetected(rec.UserID, rec.ClientID, "authorization_code")
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}

	return ErrInvalidGrant("invalid grant")
}

// RefreshRequest carries the token endpoint parameters for the
// refresh_token grant.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	IP           string
}

// Refresh rotates a refresh token and returns a fresh token set.
func (s *Server) Refresh(ctx context.Context, req RefreshRequest) (*token.TokenSet, error) {
	client, err := s.VerifyClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient("client is not registered for the refresh_token grant")
	}

	newRefresh, old, err := s.issuer.Rotate(ctx, req.RefreshToken, client.ClientID, req.IP)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrRefreshReused):
			if m := s.metrics(); m != nil {
				m.RecordTokenReuseDetected(ctx)
			}
			return nil, ErrInvalidGrant("invalid grant")
		case errors.Is(err, token.ErrRefreshInvalid), errors.Is(err, token.ErrRefreshExpired):
			return nil, ErrInvalidGrant("invalid grant")
		default:
			s.Logger.Error("Refresh rotation failed", "error", err)
			return nil, ErrServerError("token refresh failed")
		}
	}

	user, err := s.directory.GetUser(ctx, old.UserID)
	if err != nil {
		s.Logger.Error("User lookup failed during refresh", "error", err)
		return nil, ErrInvalidGrant("invalid grant")
	}

	info := userInfo(user)
	accessToken, err := s.issuer.IssueAccessToken(info, client.ClientID, old.Scope)
	if err != nil {
		s.Logger.Error("Failed to issue access token", "error", err)
		return nil, ErrServerError("token refresh failed")
	}
	idToken, err := s.mintIDToken(info, client.ClientID, old.Scope)
	if err != nil {
		s.Logger.Error("Failed to issue id token", "error", err)
		return nil, ErrServerError("token refresh failed")
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID)
	}

	return &token.TokenSet{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTokenTTL().Seconds()),
		RefreshToken: newRefresh,
		IDToken:      idToken,
		Scope:        old.Scope,
	}, nil
}

// RevokeToken invalidates a refresh token per RFC 7009. Unknown tokens
// succeed silently so callers cannot probe for valid ones, but the
// client must authenticate.
func (s *Server) RevokeToken(ctx context.Context, rawToken, clientID, clientSecret, ip string) error {
	client, err := s.VerifyClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	if err := s.issuer.Revoke(ctx, rawToken); err != nil {
		s.Logger.Error("Token revocation failed",
			"error", err,
			"client_id", client.ClientID,
			"ip", ip)
		return ErrServerError("revocation failed")
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, client.ClientID)
	}
	return nil
}

// issueTokenSet mints the full grant response: access token, ID token
// when openid was granted, and a first-generation refresh token.
func (s *Server) issueTokenSet(ctx context.Context, user *User, client *storage.Client, scope, ip string) (*token.TokenSet, error) {
	info := userInfo(user)

	accessToken, err := s.issuer.IssueAccessToken(info, client.ClientID, scope)
	if err != nil {
		s.Logger.Error("Failed to issue access token", "error", err)
		return nil, ErrServerError("token issuance failed")
	}

	refreshToken, _, err := s.issuer.IssueRefreshToken(ctx, user.ID, client.ClientID, scope)
	if err != nil {
		s.Logger.Error("Failed to issue refresh token", "error", err)
		return nil, ErrServerError("token issuance failed")
	}

	idToken, err := s.mintIDToken(info, client.ClientID, scope)
	if err != nil {
		s.Logger.Error("Failed to issue id token", "error", err)
		return nil, ErrServerError("token issuance failed")
	}

	s.Auditor.LogTokenIssued(user.ID, client.ClientID, ip, scope)
	return &token.TokenSet{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTokenTTL().Seconds()),
		RefreshToken: refreshToken,
		IDToken:      idToken,
		Scope:        scope,
	}, nil
}

// mintIDToken issues an ID token when the openid scope was granted,
// otherwise returns "".
func (s *Server) mintIDToken(info token.UserInfo, clientID, scope string) (string, error) {
	for _, granted := range parseScopes(scope) {
		if granted == "openid" {
			return s.issuer.IssueIDToken(info, clientID, "")
		}
	}
	return "", nil
}

func userInfo(u *User) token.UserInfo {
	return token.UserInfo{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
		Role:  u.Role,
	}
}

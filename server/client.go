package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/nimbusid/sso/internal/util"
	"github.com/nimbusid/sso/storage"
)

// Grant types clients may be registered for.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// dummySecretHash is a syntactically valid bcrypt hash compared
// against when the client ID is unknown, keeping the failure cost
// uniform. It matches no secret we ever issue.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// RegisterClientParams describes a client registration request.
type RegisterClientParams struct {
	ClientName   string
	RedirectURIs []string
	Scopes       []string
	GrantTypes   []string
	ClientIP     string
}

// RegisterClient registers an OAuth client and returns the record
// together with the plaintext secret. The secret is shown exactly
// once; only its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, params RegisterClientParams) (*storage.Client, string, error) {
	if params.ClientName == "" {
		return nil, "", ErrInvalidRequest("client_name is required")
	}
	if len(params.RedirectURIs) == 0 {
		return nil, "", ErrInvalidRedirectURI("at least one redirect_uri is required")
	}
	for _, raw := range params.RedirectURIs {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, "", ErrInvalidRedirectURI("redirect_uri must be an absolute URL")
		}
		if parsed.Fragment != "" {
			return nil, "", ErrInvalidRedirectURI("redirect_uri must not contain a fragment")
		}
		if util.IsForbiddenRedirectHost(parsed.Hostname()) {
			return nil, "", ErrInvalidRedirectURI("redirect_uri host is not allowed")
		}
	}
	if len(params.Scopes) == 0 {
		params.Scopes = s.Config.SupportedScopes
	} else if err := validateScopes(joinScopes(params.Scopes), s.Config.SupportedScopes); err != nil {
		return nil, "", ErrInvalidScope(err.Error())
	}
	if len(params.GrantTypes) == 0 {
		params.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}

	if err := s.clientStore.CheckIPLimit(ctx, params.ClientIP, s.Config.MaxClientsPerIP); err != nil {
		if errors.Is(err, storage.ErrClientLimit) {
			s.Logger.Warn("Client registration limit reached",
				"ip", params.ClientIP)
			return nil, "", ErrRateLimited("client registration limit reached for this address")
		}
		return nil, "", ErrServerError("registration failed")
	}

	secret := oauth2.GenerateVerifier()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", ErrServerError("registration failed")
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:         uuid.NewString(),
		ClientSecretHash: string(hash),
		ClientName:       params.ClientName,
		RedirectURIs:     params.RedirectURIs,
		AllowedScopes:    params.Scopes,
		GrantTypes:       params.GrantTypes,
		Status:           storage.ClientStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		s.Logger.Error("Failed to save client", "error", err)
		return nil, "", ErrServerError("registration failed")
	}

	if err := s.clientStore.TrackClientIP(ctx, params.ClientIP); err != nil {
		s.Logger.Warn("Failed to track registration IP", "error", err)
	}

	s.Logger.Info("OAuth client registered",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"redirect_uris", len(client.RedirectURIs))
	s.Auditor.LogClientRegistered(client.ClientID, params.ClientIP)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx)
	}

	return client, secret, nil
}

// VerifyClient authenticates a confidential client. It fails closed:
// unknown client, disabled client, and wrong secret all produce the
// same invalid_client error.
func (s *Server) VerifyClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	fail := func(reason string) (*storage.Client, error) {
		s.Logger.Debug("Client authentication failed",
			"client_id", safeTruncate(clientID, 16),
			"reason", reason)
		return nil, ErrInvalidClient("client authentication failed")
	}

	if clientID == "" || clientSecret == "" {
		return fail("missing_credentials")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		// Burn a bcrypt comparison anyway so unknown client IDs cost
		// the same as wrong secrets.
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(clientSecret))
		return fail("unknown_client")
	}
	if err != nil {
		return nil, ErrServerError("client lookup failed")
	}

	if !client.Active() {
		return fail("client_disabled")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		return fail("bad_secret")
	}

	return client, nil
}

// GetClient fetches a client record for public parameter validation
// (no secret required).
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidClient("unknown client")
	}
	if err != nil {
		return nil, ErrServerError("client lookup failed")
	}
	return client, nil
}

// RegenerateClientSecret rotates a client's secret and returns the new
// plaintext once. Every refresh token the client holds stays valid;
// only future client authentications are affected.
func (s *Server) RegenerateClientSecret(ctx context.Context, clientID, clientIP string) (string, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidClient("unknown client")
	}
	if err != nil {
		return "", ErrServerError("client lookup failed")
	}

	secret := oauth2.GenerateVerifier()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", ErrServerError("secret rotation failed")
	}

	client.ClientSecretHash = string(hash)
	client.UpdatedAt = time.Now()
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return "", ErrServerError("secret rotation failed")
	}

	s.Auditor.LogClientSecretRotated(clientID, clientIP)
	return secret, nil
}

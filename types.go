package sso

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// TokenResponse is the token endpoint success body per RFC 6749.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ErrorResponse is the OAuth error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata is the discovery document per RFC 8414.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// ClientRegistrationRequest is the dynamic registration body, a
// subset of RFC 7591.
type ClientRegistrationRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
}

// ClientRegistrationResponse returns the issued credentials. The
// secret appears here and nowhere else.
type ClientRegistrationResponse struct {
	ClientID         string   `json:"client_id"`
	ClientSecret     string   `json:"client_secret"`
	ClientName       string   `json:"client_name"`
	RedirectURIs     []string `json:"redirect_uris"`
	Scope            string   `json:"scope,omitempty"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	ClientIDIssuedAt int64    `json:"client_id_issued_at"`
}

// LoginRequestBody is the password login body.
type LoginRequestBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse reports the outcome of a login attempt. When
// StepUpRequired is set the session cookie is absent and the caller
// must submit the delivered PIN.
type LoginResponse struct {
	Success        bool   `json:"success"`
	StepUpRequired bool   `json:"step_up_required,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// PinRequestBody completes a step-up challenge.
type PinRequestBody struct {
	UserID string `json:"user_id"`
	Pin    string `json:"pin"`
}

// EmailRequestBody carries an address for magic link and password
// reset requests.
type EmailRequestBody struct {
	Email string `json:"email"`
}

// PasswordResetBody completes a password reset.
type PasswordResetBody struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// SessionInfoResponse describes the caller's session.
type SessionInfoResponse struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionEnvelope is the session cookie payload: the opaque secret
// plus enough context for a frontend to render without a round trip.
// It is base64 of JSON, not encrypted; nothing in it is secret except
// the token, and the token is opaque.
type SessionEnvelope struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
}

// Encode renders the envelope to cookie form.
func (e *SessionEnvelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding session envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeSessionEnvelope parses a cookie value back into an envelope.
func DecodeSessionEnvelope(value string) (*SessionEnvelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding session envelope: %w", err)
	}
	var e SessionEnvelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding session envelope: %w", err)
	}
	if e.Token == "" {
		return nil, fmt.Errorf("session envelope carries no token")
	}
	return &e, nil
}

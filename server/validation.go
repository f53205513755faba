package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/nimbusid/sso/storage"
)

// PKCE constants per RFC 7636. Only S256 is supported; the plain
// method leaks the verifier to anyone who saw the challenge.
const (
	PKCEMethodS256 = "S256"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// ComputeCodeChallenge derives the S256 challenge for a verifier.
func ComputeCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// validateCodeVerifierFormat enforces the RFC 7636 length and charset
// rules before the verifier touches any crypto.
func validateCodeVerifierFormat(verifier string) error {
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}
	return nil
}

// validatePKCE checks a verifier against the challenge recorded at
// authorization time. The comparison is constant-time.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("authorization was issued without PKCE")
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if method != "" && method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
	if err := validateCodeVerifierFormat(verifier); err != nil {
		return err
	}

	computed := ComputeCodeChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match challenge")
	}
	return nil
}

// validateRedirectURI requires a byte-exact match against the client's
// registered URIs. No normalization: a trailing slash or case change
// is a different URI.
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri is not registered for client")
}

// parseScopes splits a space-delimited scope string, dropping empties.
func parseScopes(scope string) []string {
	return strings.Fields(scope)
}

// joinScopes renders a scope list back to wire form.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// validateScopes checks every requested scope against an allow list.
func validateScopes(requested string, allowed []string) error {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}

	for _, s := range parseScopes(requested) {
		if _, ok := allowedSet[s]; !ok {
			return fmt.Errorf("scope %q is not allowed", s)
		}
	}
	return nil
}

// resolveScope validates the requested scope against the server
// vocabulary and the client's grant. An empty request inherits the
// client's full allowed set.
func (s *Server) resolveScope(requested string, client *storage.Client) (string, error) {
	if requested == "" {
		return joinScopes(client.AllowedScopes), nil
	}
	if err := validateScopes(requested, s.Config.SupportedScopes); err != nil {
		return "", err
	}
	if err := validateScopes(requested, client.AllowedScopes); err != nil {
		return "", err
	}
	return joinScopes(parseScopes(requested)), nil
}

// Package security provides the cryptographic and abuse-resistance
// primitives for the SSO core: token signing, hashing, rate limiting,
// audit logging, and expiry checks.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Purpose tags a token family. Each purpose signs with its own
// HKDF-derived subkey, so a leaked token from one family carries no
// value for forging tokens of another.
type Purpose string

const (
	// PurposeLogin is used for passwordless magic-link tokens.
	PurposeLogin Purpose = "login"

	// PurposePasswordReset is used for password-reset tokens.
	PurposePasswordReset Purpose = "password_reset"

	// PurposePin is used for step-up login PINs.
	PurposePin Purpose = "pin"

	// PurposeOAuth is used for OAuth access and ID token signing.
	PurposeOAuth Purpose = "oauth"
)

// knownPurposes lists every purpose a Signer derives a subkey for.
var knownPurposes = []Purpose{PurposeLogin, PurposePasswordReset, PurposePin, PurposeOAuth}

// ErrInvalidToken is returned for any malformed or tampered token.
// The cause (bad encoding vs bad signature) is deliberately not
// distinguished so callers cannot leak it to clients.
var ErrInvalidToken = errors.New("invalid token")

// hkdfSalt is the fixed application-level salt for subkey derivation.
const hkdfSalt = "nimbusid/sso/v1"

// MinSecretLength is the minimum length of the master signing secret.
const MinSecretLength = 32

// Signer signs and verifies opaque payloads with HMAC-SHA256 using a
// per-purpose subkey derived from a single master secret.
//
// Tokens are transported as base64url(payload) + "." + base64url(mac),
// both without padding.
type Signer struct {
	keys map[Purpose][]byte
}

// NewSigner derives one 32-byte subkey per known purpose from the
// master secret via HKDF-SHA256.
func NewSigner(masterSecret []byte) (*Signer, error) {
	if len(masterSecret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(masterSecret))
	}

	s := &Signer{keys: make(map[Purpose][]byte, len(knownPurposes))}
	for _, p := range knownPurposes {
		key, err := deriveKey(masterSecret, p)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key for purpose %q: %w", p, err)
		}
		s.keys[p] = key
	}
	return s, nil
}

// deriveKey expands the master secret into a purpose-bound subkey.
func deriveKey(secret []byte, purpose Purpose) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SubKey returns the derived subkey for a purpose. Used by the token
// issuer, which signs JWTs with the same key material.
func (s *Signer) SubKey(purpose Purpose) ([]byte, error) {
	key, ok := s.keys[purpose]
	if !ok {
		return nil, fmt.Errorf("unknown signing purpose %q", purpose)
	}
	return key, nil
}

// Sign returns the transport form of payload signed under the purpose's
// subkey.
func (s *Signer) Sign(purpose Purpose, payload []byte) (string, error) {
	key, ok := s.keys[purpose]
	if !ok {
		return "", fmt.Errorf("unknown signing purpose %q", purpose)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(sig), nil
}

// Verify checks a token's signature and returns the decoded payload.
// Every failure mode reports ErrInvalidToken. The MAC comparison runs
// regardless of decode outcome so malformed input costs the same as a
// wrong signature, and hmac.Equal is constant-time.
func (s *Signer) Verify(purpose Purpose, token string) ([]byte, error) {
	key, ok := s.keys[purpose]
	if !ok {
		return nil, ErrInvalidToken
	}

	payloadPart, sigPart, found := strings.Cut(token, ".")
	payload, perr := base64.RawURLEncoding.DecodeString(payloadPart)
	sig, serr := base64.RawURLEncoding.DecodeString(sigPart)

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !found || perr != nil || serr != nil || !hmac.Equal(sig, expected) {
		return nil, ErrInvalidToken
	}
	return payload, nil
}

// HashToken returns the hex-encoded SHA-256 digest of a token. Stores
// persist only this digest, never the raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

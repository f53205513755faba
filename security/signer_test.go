package security

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return s
}

func TestNewSignerRejectsShortSecret(t *testing.T) {
	if _, err := NewSigner([]byte("too-short")); err == nil {
		t.Error("expected error for short secret, got nil")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := testSigner(t)
	payload := []byte("jti-1.user.login.2026-01-01T00:00:00Z")

	token, err := s.Sign(PurposeLogin, payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	got, err := s.Verify(PurposeLogin, token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Verify returned %q, want %q", got, payload)
	}
}

func TestVerifyRejectsCrossPurpose(t *testing.T) {
	s := testSigner(t)

	token, err := s.Sign(PurposeLogin, []byte("payload"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if _, err := s.Verify(PurposePasswordReset, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for cross-purpose verify, got %v", err)
	}
}

func TestVerifyRejectsMutations(t *testing.T) {
	s := testSigner(t)

	token, err := s.Sign(PurposeLogin, []byte("payload-under-test"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// Flip one character at every position. Each mutation must fail
	// with the same generic error.
	for i := 0; i < len(token); i++ {
		mutated := []byte(token)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		if string(mutated) == token {
			continue
		}
		if _, err := s.Verify(PurposeLogin, string(mutated)); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("mutation at %d: expected ErrInvalidToken, got %v", i, err)
		}
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	s := testSigner(t)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", "cGF5bG9hZA"},
		{"empty signature", "cGF5bG9hZA."},
		{"not base64", "!!!.???"},
		{"extra separator", "cGF5bG9hZA.c2ln.c2ln"},
		{"whitespace", "  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Verify(PurposeLogin, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestPurposeKeysDiffer(t *testing.T) {
	s := testSigner(t)

	loginKey, err := s.SubKey(PurposeLogin)
	if err != nil {
		t.Fatalf("SubKey failed: %v", err)
	}
	resetKey, err := s.SubKey(PurposePasswordReset)
	if err != nil {
		t.Fatalf("SubKey failed: %v", err)
	}

	if bytes.Equal(loginKey, resetKey) {
		t.Error("expected different subkeys per purpose")
	}

	if _, err := s.SubKey(Purpose("unknown")); err == nil {
		t.Error("expected error for unknown purpose")
	}
}

func TestSignedTokenIsTransportSafe(t *testing.T) {
	s := testSigner(t)

	token, err := s.Sign(PurposeLogin, []byte{0x00, 0xff, 0x10, '&', '='})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if strings.ContainsAny(token, "+/=&? ") {
		t.Errorf("token contains non-URL-safe characters: %q", token)
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("session-secret")
	b := HashToken("session-secret")
	c := HashToken("other-secret")

	if a != b {
		t.Error("same input produced different hashes")
	}
	if a == c {
		t.Error("different inputs produced the same hash")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(a))
	}
}

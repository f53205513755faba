package sso

import (
	"testing"
	"time"
)

func TestSessionEnvelopeRoundTrip(t *testing.T) {
	env := &SessionEnvelope{
		Token:     "opaque-secret-value",
		ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		UserID:    "u1",
		Role:      "admin",
	}

	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeSessionEnvelope(encoded)
	if err != nil {
		t.Fatalf("DecodeSessionEnvelope: %v", err)
	}
	if decoded.Token != env.Token {
		t.Errorf("Token = %q, want %q", decoded.Token, env.Token)
	}
	if !decoded.ExpiresAt.Equal(env.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", decoded.ExpiresAt, env.ExpiresAt)
	}
	if decoded.UserID != "u1" || decoded.Role != "admin" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodeSessionEnvelopeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "!!!not-base64!!!", "bm90LWpzb24", "e30"} {
		if _, err := DecodeSessionEnvelope(in); err == nil {
			t.Errorf("DecodeSessionEnvelope(%q) accepted", in)
		}
	}
}

package security

import "time"

// DefaultClockSkewGrace is the default grace period applied when
// checking stored-record expiry. It absorbs NTP drift between the
// machines that issued and validated a credential. Records remain
// usable for up to this long past their nominal expiry; signed-payload
// expiry checks in the token layer are strict and do not use it.
const DefaultClockSkewGrace = 5 * time.Second

// Expired reports whether expiresAt has passed, allowing the default
// clock-skew grace. A zero expiresAt never expires.
func Expired(expiresAt time.Time) bool {
	return ExpiredWithGrace(expiresAt, DefaultClockSkewGrace)
}

// ExpiredWithGrace reports whether expiresAt has passed by more than
// grace.
func ExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}

// ExpiringSoon reports whether expiresAt falls within the threshold
// from now.
func ExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}

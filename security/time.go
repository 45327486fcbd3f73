package security

import "time"

// ClockSkewGracePeriod is how long past its expiry a credential is
// still accepted. It absorbs NTP drift between the issuing and the
// validating host; 5 seconds covers typical drift without extending
// token lifetime meaningfully.
const ClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether the deadline has passed, allowing the
// default clock skew grace period. A zero deadline never expires.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGrace(expiresAt, ClockSkewGracePeriod)
}

// IsExpiredWithGrace reports whether the deadline has passed by more
// than the given grace period.
func IsExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}

package security

import "time"

// DefaultClockSkewGracePeriod is how far past its expiry a record is still
// honored. Hosts drift; a few seconds of slack avoids spurious expiration
// errors at the cost of tokens living marginally longer than stamped.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt has passed, with the default
// grace period. A zero time means no expiry.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod reports whether expiresAt is more than
// gracePeriod in the past.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

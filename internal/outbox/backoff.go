package outbox

import (
	"math"
	"time"
)

// maxBackoffExponent clamps the doubling so the delay stays bounded even
// without a ceiling.
const maxBackoffExponent = 20

// Backoff returns the delay before retry number attempt (1-based):
// base·2^(attempt−1), capped at max. Attempts below 1 are treated as 1; a
// non-positive max leaves only the exponent clamp.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	d := base
	for i := 0; i < exp; i++ {
		if max > 0 && d >= max {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

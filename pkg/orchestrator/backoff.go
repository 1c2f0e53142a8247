package orchestrator

import (
	"math/rand"
	"time"
)

// backoffDelay returns the retry delay for a zero-based attempt counter:
// base doubled per attempt, capped. Pure so tests can pin exact values.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}

// withJitter spreads a delay over [d/2, d) so workers recovering from the
// same outage do not retry in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

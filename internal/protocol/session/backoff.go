package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay after attempt N (1-based).
// A nil rng with Jitter set uses the low end of the jitter range.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		mult := cfg.Multiplier
		if mult < 1.0 {
			mult = 1.0
		}
		delay *= math.Pow(mult, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay > math.MaxInt64/2 {
		delay = math.MaxInt64 / 2
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// resendDelay is the wait after the given number of attempts.
func resendDelay(cfg Config, attempts int, rng *rand.Rand) time.Duration {
	if cfg.Backoff.InitialDelay <= 0 {
		return cfg.ResendAfter
	}
	return NextBackoffDelay(cfg.Backoff, attempts, rng)
}

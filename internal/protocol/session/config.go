package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config controls when pending requests are resent and when they are given up.
type Config struct {
	// ResendAfter is the fixed resend interval used when Backoff.InitialDelay is zero.
	ResendAfter time.Duration
	// MaxAttempts bounds sends per request, first send included. 0 means unbounded.
	MaxAttempts int
	Backoff     BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ResendAfter: 5 * time.Second,
		MaxAttempts: 0,
	}
}

// BackoffDefaults returns an exponential schedule starting at ResendAfter.
func BackoffDefaults() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     time.Minute,
		Jitter:       true,
	}
}

func (c Config) exhausted(attempts int) bool {
	return c.MaxAttempts > 0 && attempts >= c.MaxAttempts
}

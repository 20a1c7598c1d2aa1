package retry

import (
	"math/rand"
	"time"

	"deltran/pkg/config"
)

// Backoff computes exponential retry delays with jitter per spec.md
// §4.4: base 1s, factor 2, jitter ±10%, max 3 attempts within a 5-minute
// window.
type Backoff struct {
	cfg config.RetryConfig
}

func NewBackoff(cfg config.RetryConfig) Backoff {
	return Backoff{cfg: cfg}
}

// Delay returns the wait before retry attempt n (1-indexed: the delay
// before the first retry, after the initial attempt failed).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.cfg.BaseBackoff.Seconds()
	for i := 1; i < attempt; i++ {
		base *= b.cfg.BackoffFactor
	}

	jitterFraction, _ := b.cfg.JitterFraction.Float64()
	jitter := (rand.Float64()*2 - 1) * jitterFraction
	seconds := base * (1 + jitter)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// MaxAttemptsExceeded reports whether attempt exceeds the configured
// ceiling, or elapsed since the first attempt exceeds the retry window —
// either condition ends the retry loop with ErrWindowExhausted.
func (b Backoff) MaxAttemptsExceeded(attempt int, firstAttemptAt time.Time, now time.Time) bool {
	if attempt > b.cfg.MaxAttempts {
		return true
	}
	return now.Sub(firstAttemptAt) > b.cfg.RetryWindow
}

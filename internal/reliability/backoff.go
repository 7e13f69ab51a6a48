package reliability

import (
	"context"
	"time"
)

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// ProbeConfig parameterizes a bounded readiness probe.
type ProbeConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int

	// Sleep is replaceable in tests; nil means time.Sleep.
	Sleep func(time.Duration)
}

// WaitReady calls check up to MaxAttempts times, backing off exponentially
// between attempts, and reports whether any attempt succeeded. It stops
// early when ctx is cancelled.
func WaitReady(ctx context.Context, cfg ProbeConfig, check func(context.Context) bool) bool {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if check(ctx) {
			return true
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		sleep(ExponentialBackoff(attempt-1, cfg.InitialDelay, cfg.MaxDelay))
	}
	return false
}

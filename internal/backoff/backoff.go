// Package backoff computes retry delays. The same calculation drives both the
// retry executor and the auto-reconnect manager so a single policy shape
// governs every wait between attempts.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config describes a backoff policy.
type Config struct {
	BaseDelay    time.Duration `json:"base_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	JitterFactor float64       `json:"jitter_factor"` // fractional half-width in [0, 1]
	Exponential  bool          `json:"exponential"`
}

// DefaultConfig returns the policy used when none is configured: 1s doubling
// up to 30s with ±20% jitter.
func DefaultConfig() Config {
	return Config{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
		Exponential:  true,
	}
}

var ErrInvalidConfig = errors.New("invalid backoff config")

// Validate rejects negative durations and jitter outside [0, 1].
func (c Config) Validate() error {
	if c.BaseDelay < 0 {
		return fmt.Errorf("%w: negative base delay %s", ErrInvalidConfig, c.BaseDelay)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("%w: negative max delay %s", ErrInvalidConfig, c.MaxDelay)
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 || math.IsNaN(c.JitterFactor) {
		return fmt.Errorf("%w: jitter factor %v outside [0, 1]", ErrInvalidConfig, c.JitterFactor)
	}
	return nil
}

// Delay returns the wait before retry number attempt (0-based) using the
// process-wide random source for jitter.
func Delay(attempt int, cfg Config) time.Duration {
	return DelayWithRand(attempt, cfg, rand.Float64)
}

// DelayWithRand is Delay with an explicit source of uniform values in [0, 1).
// The result is deterministic for a deterministic rnd and always lies in
// [0, cfg.MaxDelay].
func DelayWithRand(attempt int, cfg Config, rnd func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	maxDelay := float64(cfg.MaxDelay)
	if maxDelay < 0 {
		maxDelay = 0
	}

	d := float64(cfg.BaseDelay)
	if cfg.Exponential && d > 0 {
		d *= math.Pow(2, float64(attempt))
	}
	d = clamp(d, maxDelay)

	if j := cfg.JitterFactor; j > 0 && rnd != nil {
		if j > 1 {
			j = 1
		}
		u := rnd()*2 - 1 // U(-1, 1)
		d = clamp(d*(1+u*j), maxDelay)
	}
	// float64(MaxDelay) can round up past MaxInt64; return the exact bound.
	if d >= maxDelay {
		return max(cfg.MaxDelay, 0)
	}
	return time.Duration(d)
}

// clamp bounds d to [0, max]; +Inf and NaN saturate to max.
func clamp(d, max float64) float64 {
	switch {
	case math.IsNaN(d) || d > max:
		return max
	case d < 0:
		return 0
	}
	return d
}

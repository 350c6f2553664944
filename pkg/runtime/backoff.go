package runtime

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the retry delay between step attempts.
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultBackoff is the step retry policy used when none is configured.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the retry delay for the given attempt (0-based). With
// jitter enabled the delay is drawn uniformly from [0, cap] (full jitter).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	base := c.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := c.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= multiplier
		if d >= float64(max) {
			d = float64(max)
			break
		}
	}
	if d > float64(max) {
		d = float64(max)
	}
	if c.Jitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

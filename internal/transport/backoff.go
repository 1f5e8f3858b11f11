package transport

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the wait between dial attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// Delay returns the wait after failed attempt number attempt (1-based).
// A nil rng applies the midpoint of the jitter range.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := b.InitialDelay
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(d) * mult)
		if next < d || (b.MaxDelay > 0 && next >= b.MaxDelay) {
			if b.MaxDelay > 0 {
				d = b.MaxDelay
			}
			break
		}
		d = next
	}
	if !b.Jitter {
		return d
	}
	f := 1.0
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(float64(d) * f)
}

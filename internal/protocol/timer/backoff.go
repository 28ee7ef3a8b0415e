package timer

import (
	"math"
	"math/rand"
	"time"
)

// Backoff defines retry backoff behavior.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     3 * time.Second,
		Jitter:       false,
	}
}

// NextDelay returns the retry delay for attempt N (1-based).
func NextDelay(cfg Backoff, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		if cfg.Multiplier < 1.0 {
			cfg.Multiplier = 1.0
		}
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

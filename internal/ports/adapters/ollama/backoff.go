package ollama

import (
	"math/rand"
	"time"
)

// Backoff is the retry schedule for transient LLM call failures. It is
// injected so tests and deployments can tune or zero the delays.
type Backoff struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
	// Jitter is the fraction of the computed delay randomized on top of
	// it, e.g. 0.2 adds up to +-20%.
	Jitter float64
}

// DefaultBackoff doubles a one-second base delay across three attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
		Jitter:      0.2,
	}
}

// Delay returns how long to wait after the given 1-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(b.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func (b Backoff) attempts() int {
	if b.MaxAttempts <= 0 {
		return 1
	}
	return b.MaxAttempts
}

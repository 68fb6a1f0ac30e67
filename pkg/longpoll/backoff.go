package longpoll

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff spaces out retries after transient failures.
type Backoff struct {
	InitialDelay    time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`
	RandomizeFactor float64       `json:"randomize_factor" yaml:"randomize_factor"`
}

// DefaultBackoff returns the default transient retry backoff.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// Delay returns the wait before retry number attempt, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.RandomizeFactor > 0 {
		delta := delay * b.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}
	return time.Duration(delay)
}

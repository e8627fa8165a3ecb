package dispatch

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/caarlos0/env/v11"
)

// Backoff bounds redelivery of pending dispatches.
type Backoff struct {
	// MaxAttempts is the maximum number of delivery attempts
	// (including the first). Must be at least 1.
	MaxAttempts int

	// InitialDelay is the wait before the first redelivery.
	InitialDelay time.Duration

	// MaxDelay caps the wait between redeliveries.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each failed attempt.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to each delay so that
	// workers retrying the same outage spread out.
	Jitter float64
}

// DefaultBackoff returns the standard outbox policy:
// 3 attempts, 5 second initial delay, 5 minute cap, 2x multiplier,
// 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

type backoffEnv struct {
	MaxAttempts  int           `env:"MECHANE_DISPATCH_MAX_ATTEMPTS"`
	InitialDelay time.Duration `env:"MECHANE_DISPATCH_INITIAL_DELAY"`
	MaxDelay     time.Duration `env:"MECHANE_DISPATCH_MAX_DELAY"`
}

// BackoffFromEnv returns DefaultBackoff with any MECHANE_DISPATCH_*
// environment overrides applied.
func BackoffFromEnv() (Backoff, error) {
	var e backoffEnv
	if err := env.Parse(&e); err != nil {
		return Backoff{}, fmt.Errorf("dispatch: parse env: %w", err)
	}
	b := DefaultBackoff()
	if e.MaxAttempts > 0 {
		b.MaxAttempts = e.MaxAttempts
	}
	if e.InitialDelay > 0 {
		b.InitialDelay = e.InitialDelay
	}
	if e.MaxDelay > 0 {
		b.MaxDelay = e.MaxDelay
	}
	return b, nil
}

// Delay calculates the wait before the next delivery of a row that has
// failed attempt times. Attempt is 1-indexed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	// attempt 1 -> InitialDelay
	// attempt 2 -> InitialDelay * Multiplier
	// attempt 3 -> InitialDelay * Multiplier^2
	multiplier := math.Pow(b.Multiplier, float64(attempt-1))
	delay := time.Duration(float64(b.InitialDelay) * multiplier)

	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	if b.Jitter > 0 {
		// delay * (1 +/- jitter)
		factor := 1 - b.Jitter + 2*b.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// Exhausted reports whether a row that has failed attempts times is out
// of redeliveries.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}

package supervisor

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces the delay schedule between connect attempts: exponential
// from InitialInterval up to MaxInterval, with optional jitter. Zero jitter
// keeps the schedule exact (1s, 2s, 4s with the defaults).
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	JitterPercent   float64

	mu       sync.Mutex
	current  time.Duration
	attempts int
}

// NewBackoff returns the default connect-retry schedule.
func NewBackoff() *Backoff {
	return &Backoff{
		InitialInterval: 1 * time.Second,
		MaxInterval:     4 * time.Second,
	}
}

// Next returns the delay to wait before the following attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		b.current = b.InitialInterval
	}
	delay := b.current

	if b.JitterPercent > 0 {
		jitter := time.Duration(float64(delay) * b.JitterPercent * (rand.Float64()*2 - 1))
		delay += jitter
	}

	b.current *= 2
	if b.current > b.MaxInterval {
		b.current = b.MaxInterval
	}
	b.attempts++
	return delay
}

// Reset restarts the schedule.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
	b.attempts = 0
}

// Attempts reports how many delays have been handed out.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

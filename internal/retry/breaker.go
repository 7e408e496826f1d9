package retry

import (
	"sync"
	"time"
)

// Breaker is a process-wide failure gate. After Failures consecutive
// transient failures it opens for Cooldown; success closes it and resets
// the counter.
type Breaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time

	Failures int
	Cooldown time.Duration

	now func() time.Time
}

func NewBreaker(failures int, cooldown time.Duration) *Breaker {
	return &Breaker{Failures: failures, Cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.Failures > 0 && b.failures >= b.Failures {
		b.openUntil = b.now().Add(b.Cooldown)
		b.failures = 0
	}
}

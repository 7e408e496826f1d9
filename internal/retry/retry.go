// Package retry provides bounded exponential backoff with deterministic
// jitter and a process-wide circuit breaker for remote calls.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

// Policy configures retry delays and breaker thresholds.
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     6,
		BaseDelay:       800 * time.Millisecond,
		MaxDelay:        20 * time.Second,
		Jitter:          250 * time.Millisecond,
		BreakerFailures: 6,
		BreakerCooldown: 20 * time.Second,
	}
}

// breakerOpenWait bounds the sleep while the breaker is open so cancellation
// stays responsive.
const breakerOpenWait = 3 * time.Second

// DelayForAttempt computes min(MaxDelay, BaseDelay*2^(attempt-1)) plus a
// deterministic jitter in [0, Jitter) derived from the seed. attempt is
// 1-indexed.
func DelayForAttempt(attempt int, p Policy, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 {
		base = math.Min(base, float64(p.MaxDelay))
	}
	if p.Jitter > 0 {
		base += jitterUnit(fmt.Sprintf("%s:%d", jitterSeed, attempt)) * float64(p.Jitter)
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// retryable is satisfied by remote API errors that know their own
// transience.
type retryable interface{ Retryable() bool }

type retryAfter interface{ RetryAfter() *time.Duration }

// Transient reports whether err is worth retrying: the error classifies
// itself as retryable, or it is a network/timeout failure.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Do runs fn under the policy and breaker. Transient failures are retried
// with backoff until MaxAttempts; any other failure propagates immediately.
// A Retry-After carried by the error overrides the computed delay when
// longer.
func Do(ctx context.Context, p Policy, b *Breaker, seed string, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if b != nil {
			for !b.Allow() {
				wait := p.BreakerCooldown
				if wait <= 0 || wait > breakerOpenWait {
					wait = breakerOpenWait
				}
				if err := sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			if b != nil {
				b.OnSuccess()
			}
			return nil
		}
		if !Transient(err) {
			return err
		}
		if b != nil {
			b.OnFailure()
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}
		delay := DelayForAttempt(attempt, p, seed)
		var ra retryAfter
		if errors.As(err, &ra) {
			if d := ra.RetryAfter(); d != nil && *d > delay {
				delay = *d
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

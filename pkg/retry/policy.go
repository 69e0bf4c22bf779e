// Package retry implements the single retry policy used for outbound tool calls.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Retryable is implemented by errors that know whether a retry may succeed.
type Retryable interface {
	Retryable() bool
}

// Policy defines attempts and exponential backoff with deterministic jitter.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Base        time.Duration `yaml:"base" json:"base"`
	Max         time.Duration `yaml:"max" json:"max"`
	MaxJitter   time.Duration `yaml:"max_jitter" json:"max_jitter"`
}

// DefaultPolicy returns three attempts starting at 100ms, capped at 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        100 * time.Millisecond,
		Max:         2 * time.Second,
		MaxJitter:   50 * time.Millisecond,
	}
}

// Backoff returns the delay before retrying after the given zero-based attempt.
// The delay is Base*2^attempt capped at Max, plus a jitter derived from seed
// and attempt so two runs with the same inputs wait the same time.
func (p Policy) Backoff(attempt int, seed string) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := p.Base * time.Duration(1<<attempt)
	if p.Max > 0 && (delay > p.Max || delay < 0) {
		delay = p.Max
	}
	return delay + p.jitter(attempt, seed)
}

func (p Policy) jitter(attempt int, seed string) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. It returns the number of attempts made and the last
// error. Context cancellation during a backoff wait ends the loop with the
// last operation error wrapped together with the context error.
func Do(ctx context.Context, p Policy, seed string, op func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	limit := p.attempts()
	for attempt := 0; attempt < limit; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !IsRetryable(lastErr) || attempt == limit-1 {
			return attempt + 1, lastErr
		}
		if err := sleep(ctx, p.Backoff(attempt, seed)); err != nil {
			return attempt + 1, errors.Join(lastErr, err)
		}
	}
	return limit, lastErr
}

// IsRetryable reports whether err, or any error it wraps, is retryable.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
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

package catalogsync

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/remote"
)

// Backoff is the retry policy for remote page fetches. Attempt n (1-based)
// waits Base*Factor^(n-1), capped at MaxDelay.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        500 * time.Millisecond,
		Factor:      2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Factor < 1 {
		b.Factor = def.Factor
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	return b
}

// Delay returns the wait before retry number attempt. A positive server hint
// replaces the computed delay but is still capped.
func (b Backoff) Delay(attempt int, hint time.Duration) time.Duration {
	b = b.normalized()
	if hint > 0 {
		return min(hint, b.MaxDelay)
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if delay >= float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs call with a fresh per-attempt timeout, retrying transient
// failures. Non-transient errors and parent cancellation return immediately.
func (s *Service) withRetry(ctx context.Context, op string, call func(context.Context) error) error {
	policy := s.backoff
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		err := call(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !remote.IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}
		delay := policy.Delay(attempt, remote.RetryAfter(err))
		s.metrics.ObserveFetchRetry(op)
		s.logger.Warn("remote fetch failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, policy.MaxAttempts, lastErr)
}

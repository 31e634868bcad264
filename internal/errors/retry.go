package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"tachikoma/internal/logging"
)

// RetryPolicy configures retry behavior for a class of operations.
type RetryPolicy struct {
	MaxRetries    int           `json:"maxRetries"`
	BaseDelay     time.Duration `json:"baseDelay"`
	BackoffFactor float64       `json:"backoffFactor,omitempty"`
	MaxDelay      time.Duration `json:"maxDelay,omitempty"`
}

// DefaultRetryPolicy returns sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
	}
}

// Validate checks the policy invariants.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("baseDelay must be > 0, got %v", p.BaseDelay)
	}
	if p.BackoffFactor != 0 && p.BackoffFactor < 1 {
		return fmt.Errorf("backoffFactor must be >= 1, got %v", p.BackoffFactor)
	}
	if p.MaxDelay != 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("maxDelay %v must be >= baseDelay %v", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// ShouldRetry reports whether attempt n (0-based count of retries already
// performed) still fits within the policy budget.
func ShouldRetry(p RetryPolicy, attempt int) bool {
	return attempt < p.MaxRetries
}

// CalculateRetryDelay returns base * factor^(attempt-1) with symmetric ±10%
// jitter, capped at MaxDelay when set. Attempt numbering starts at 1.
func CalculateRetryDelay(p RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	// ±10% jitter
	delay += delay * 0.1 * (rand.Float64()*2 - 1)
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = p.BaseDelay
	}
	return d
}

// SleepWithContext waits for the given duration, aborting immediately when
// the context is cancelled.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("aborted: %w", ctx.Err())
	}
}

// RetryWithResult executes fn with retry semantics: transient failures are
// retried up to the policy budget with backoff, permanent failures surface
// immediately, and context cancellation aborts both execution and backoff.
func RetryWithResult[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zero T

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}
		lastErr = err
		logger.Debug("attempt %d failed: %v", attempt+1, err)

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == policy.MaxRetries {
			logger.Warn("max retries (%d) exhausted", policy.MaxRetries)
			break
		}

		delay := CalculateRetryDelay(policy, attempt+1)
		logger.Debug("waiting %v before next retry", delay)
		if err := SleepWithContext(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

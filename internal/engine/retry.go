package engine

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

// maxBackoff clamps exponential growth when a policy sets no max_delay.
const maxBackoff = 5 * time.Minute

// retryable reports whether a failed attempt may be tried again. FlowError
// codes decide first; everything else defaults to retryable, with the policy's
// max attempts bounding the damage. A cancelled workflow never retries; a step
// deadline can succeed on the next attempt.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}

// backoffDelay computes the wait before retry attempt n (zero-based),
// honouring the policy's strategy and max_delay cap.
func backoffDelay(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	delay := base
	switch policy.Backoff {
	case "exponential":
		for i := 0; i < attempt && delay < maxBackoff; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	}

	if policy.MaxDelay != "" {
		if ceil, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > ceil {
			delay = ceil
		}
	}
	return delay
}

// sleepBackoff waits out the computed delay, returning early if the context
// is cancelled.
func sleepBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

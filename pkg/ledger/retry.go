package ledger

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds automatic retries of ErrStorageUnavailable failures.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns three attempts with exponential backoff from 25ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       defaultRetryAttempts,
		InitialBackoff: defaultRetryInitialBackoff,
		MaxBackoff:     defaultRetryMaxBackoff,
	}
}

// NoRetry performs every call exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{Attempts: 1}
}

func (policy RetryPolicy) run(ctx context.Context, call func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := call(ctx)
		if err == nil || attempt >= attempts || !errors.Is(err, ErrStorageUnavailable) {
			return err
		}
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			backoff *= 2
			if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}
	}
}

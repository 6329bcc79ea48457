package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/agrous/stock-ledger/internal/core/domain"
)

// retryOnConflict runs attempt until it returns anything other than an
// optimistic lock conflict, at most maxAttempts times. Each attempt must
// re-read the state it writes.
func retryOnConflict(ctx context.Context, maxAttempts int, backoff time.Duration, attempt func() error) error {
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			if err := sleepContext(ctx, jitter(backoff, i)); err != nil {
				return err
			}
		}

		err := attempt()
		if !errors.Is(err, domain.ErrOptimisticLock) {
			return err
		}
	}
	return ErrTransactionConflict
}

// jitter grows linearly with the attempt number and spreads callers over
// the upper half of the window.
func jitter(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	window := base * time.Duration(attempt)
	half := window / 2
	return half + rand.N(half+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

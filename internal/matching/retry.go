package matching

import (
	"context"
	"time"
)

// Sleeper waits for d. It returns early with ctx.Err() on cancellation.
type Sleeper func(ctx context.Context, d time.Duration) error

func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn up to attempts times, sleeping delay between calls, until fn
// reports done or returns an error. Running out of attempts is not an error.
func Retry(ctx context.Context, attempts int, delay time.Duration, sleep Sleeper, fn func(context.Context) (bool, error)) error {
	if sleep == nil {
		sleep = SleepContext
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		done, err := fn(ctx)
		if err != nil || done {
			return err
		}
	}
	return nil
}

// Package retry provides the bounded poll used to wait for readiness.
package retry

import (
	"context"
	"time"

	"github.com/melih/lighthouse/internal/core/result"
)

// Sleeper pauses between attempts. It returns early with ctx's error when
// ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options bound a poll. MaxTries below one is treated as one.
type Options struct {
	MaxTries int
	Interval time.Duration
	Sleep    Sleeper
}

// WaitUntilSuccess calls probe until it succeeds or MaxTries attempts have
// been made, sleeping Interval between attempts. It always makes at least
// one attempt and returns the last result.
func WaitUntilSuccess[T any](ctx context.Context, opts Options, probe func() result.Result[T]) result.Result[T] {
	tries := max(opts.MaxTries, 1)
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	last := probe()
	for attempt := 1; attempt < tries && !last.Success; attempt++ {
		if err := sleep(ctx, opts.Interval); err != nil {
			last.AddError(err)
			return last
		}
		last = probe()
	}
	return last
}

package agents

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cordum/jobgate/core/infra/logging"
)

// DefaultRetryInterval is the pause between selection attempts.
const DefaultRetryInterval = time.Second

// RetryPolicy retries an operation at a fixed interval until a wall-clock
// deadline. There is no attempt limit; the overshoot past the deadline is at
// most one interval plus one attempt.
type RetryPolicy struct {
	Interval time.Duration
	Clock    clock.Clock
}

func (r RetryPolicy) clock() clock.Clock {
	if r.Clock == nil {
		return clock.New()
	}
	return r.Clock
}

func (r RetryPolicy) interval() time.Duration {
	if r.Interval <= 0 {
		return DefaultRetryInterval
	}
	return r.Interval
}

// Do calls fn until it succeeds or timeout elapses, returning a *TimeoutError
// that carries the last failure. Cancellation of ctx aborts both the attempt
// and the pause and returns ctx.Err().
func (r RetryPolicy) Do(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	clk := r.clock()
	start := clk.Now()
	deadline := start.Add(timeout)
	var last error
	for attempt := 1; clk.Now().Before(deadline); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		last = err
		logging.Debug("agent-retry", "attempt failed", "op", op, "attempt", attempt, "error", err)

		timer := clk.Timer(r.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &TimeoutError{Op: op, Timeout: timeout, Elapsed: clk.Since(start), Last: last}
}

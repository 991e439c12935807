package agents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	clk := newSteppedClock()
	policy := RetryPolicy{Interval: time.Second, Clock: clk}
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(context.Background(), "op", time.Minute, func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	}()
	if err := clk.drive(time.Second, done); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryPolicyTimeoutBounds(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	cases := []struct {
		timeout  time.Duration
		interval time.Duration
	}{
		{5 * time.Second, time.Second},
		{4500 * time.Millisecond, time.Second},
		{time.Second, 3 * time.Second},
	}
	for _, tc := range cases {
		clk := newSteppedClock()
		policy := RetryPolicy{Interval: tc.interval, Clock: clk}
		cause := errors.New("agent down")
		done := make(chan error, 1)
		go func() {
			done <- policy.Do(context.Background(), "select agent", tc.timeout, func(context.Context) error {
				return cause
			})
		}()
		err := clk.drive(tc.interval, done)

		var te *TimeoutError
		if !errors.As(err, &te) || !errors.Is(err, cause) {
			t.Fatalf("expected timeout wrapping the last cause, got %v", err)
		}
		if te.Elapsed < tc.timeout || te.Elapsed >= tc.timeout+tc.interval {
			t.Fatalf("timeout %s interval %s: elapsed %s out of bounds", tc.timeout, tc.interval, te.Elapsed)
		}
		if !strings.Contains(te.Error(), "agent down") {
			t.Fatalf("message should carry the cause: %q", te.Error())
		}
	}
}

func TestRetryPolicyZeroTimeoutMakesNoAttempt(t *testing.T) {
	calls := 0
	err := RetryPolicy{Interval: time.Millisecond}.Do(context.Background(), "op", 0, func(context.Context) error {
		calls++
		return nil
	})
	if !IsTimeout(err) || calls != 0 {
		t.Fatalf("expected immediate timeout, err=%v calls=%d", err, calls)
	}
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{Interval: time.Hour}
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- policy.Do(ctx, "op", 24*time.Hour, func(context.Context) error {
			select {
			case <-started:
			default:
				close(started)
			}
			return errors.New("fail")
		})
	}()
	<-started
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not stop after cancellation")
	}
}

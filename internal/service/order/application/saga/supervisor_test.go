package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

func TestSupervisorRun(t *testing.T) {
	cases := []struct {
		name         string
		policy       RetryPolicy
		failures     int
		failWith     error
		wantAttempts int
		wantErr      bool
	}{
		{name: "first attempt succeeds", policy: fastRetry, wantAttempts: 1},
		{name: "transient then success", policy: fastRetry, failures: 2, failWith: errUnavailable, wantAttempts: 3},
		{name: "budget exhausted", policy: fastRetry, failures: 10, failWith: errUnavailable, wantAttempts: 3, wantErr: true},
		{name: "rejection is not retried", policy: fastRetry, failures: 10, failWith: fmt.Errorf("authorize: %w", port.ErrRejected), wantAttempts: 1, wantErr: true},
		{name: "illegal transition is not retried", policy: fastRetry, failures: 10, failWith: domain.ErrIllegalTransition, wantAttempts: 1, wantErr: true},
		{name: "zero budget means one attempt", policy: RetryPolicy{}, failures: 10, failWith: errUnavailable, wantAttempts: 1, wantErr: true},
	}
	s := NewSupervisor(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			attempts, timedOut, err := s.Run(context.Background(), "op", time.Second, tc.policy, func(context.Context) error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if attempts != tc.wantAttempts || calls != tc.wantAttempts {
				t.Fatalf("attempts: got %d (calls %d), want %d", attempts, calls, tc.wantAttempts)
			}
			if (err != nil) != tc.wantErr {
				t.Fatalf("err: %v", err)
			}
			if tc.wantErr && !errors.Is(err, tc.failWith) {
				t.Fatalf("expected last failure %v, got %v", tc.failWith, err)
			}
			if timedOut {
				t.Fatal("unexpected timeout")
			}
		})
	}
}

func TestSupervisorTimeout(t *testing.T) {
	s := NewSupervisor(nil)
	attempts, timedOut, err := s.Run(context.Background(), "slow", 30*time.Millisecond, fastRetry, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !timedOut || err == nil {
		t.Fatalf("expected timeout, got timedOut=%v err=%v", timedOut, err)
	}
	if attempts < 1 {
		t.Fatalf("attempts: %d", attempts)
	}
}

func TestSupervisorParentCancelIsNotTimeout(t *testing.T) {
	s := NewSupervisor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, timedOut, err := s.Run(ctx, "aborted", time.Second, fastRetry, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if timedOut {
		t.Fatal("cancellation by the caller must not be reported as timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

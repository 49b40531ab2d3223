package saga

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func value(v int) func(context.Context) (int, error) {
	return func(context.Context) (int, error) { return v, nil }
}

func failing(context.Context) (int, error) { return 0, errUnavailable }

func TestGatherAll(t *testing.T) {
	got, err := Gather(context.Background(), 3, []func(context.Context) (int, error){value(3), value(1), value(2)})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	sort.Ints(got)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("results: %v", got)
	}
}

func TestGatherQuorumCancelsStragglers(t *testing.T) {
	cancelled := make(chan struct{})
	slow := func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			close(cancelled)
			return 0, ctx.Err()
		case <-time.After(5 * time.Second):
			return 99, nil
		}
	}

	got, err := Gather(context.Background(), 2, []func(context.Context) (int, error){value(1), slow, value(2)})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly quorum results, got %v", got)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("slow call was not cancelled after quorum")
	}
}

func TestGatherToleratesFailuresUpToQuorum(t *testing.T) {
	got, err := Gather(context.Background(), 2, []func(context.Context) (int, error){value(1), failing, value(2)})
	if err != nil || len(got) != 2 {
		t.Fatalf("Gather: %v, %v", got, err)
	}
}

func TestGatherQuorumUnreachable(t *testing.T) {
	_, err := Gather(context.Background(), 2, []func(context.Context) (int, error){value(1), failing, failing})
	var qe *QuorumError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuorumError, got %v", err)
	}
	if qe.Quorum != 2 || qe.Total != 3 || len(qe.Failures) != 2 {
		t.Fatalf("QuorumError: %+v", qe)
	}
	if !errors.Is(err, errUnavailable) {
		t.Fatal("QuorumError should unwrap to the call failures")
	}
}

func TestGatherInvalidQuorum(t *testing.T) {
	for _, q := range []int{0, 3} {
		if _, err := Gather(context.Background(), q, []func(context.Context) (int, error){value(1), value(2)}); err == nil {
			t.Fatalf("quorum %d should be rejected", q)
		}
	}
}

package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/retry"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	res := retry.Do(context.Background(), retry.Policy{Attempts: 5, Sleep: noSleep}, func(_ context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("taken")
		}
		return "ok", nil
	})
	if err := res.Err(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if res.Value != "ok" || res.Attempts != 3 || len(res.Errors) != 2 || calls != 3 {
		t.Fatalf("result = %+v, calls = %d", res, calls)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	boom := errors.New("boom")
	res := retry.Do(context.Background(), retry.Policy{Attempts: 4, Sleep: noSleep}, func(context.Context, int) (int, error) {
		return 0, boom
	})
	err := res.Err()
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 4 {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("last error not wrapped: %v", err)
	}
	if len(res.Errors) != 4 {
		t.Fatalf("errors = %d, want 4", len(res.Errors))
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	res := retry.Do(context.Background(), retry.Policy{
		Attempts:  10,
		Sleep:     noSleep,
		Retryable: func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context, int) (int, error) {
		calls++
		return 0, fatal
	})
	if calls != 1 || !errors.Is(res.Err(), fatal) {
		t.Fatalf("calls = %d, err = %v", calls, res.Err())
	}
}

func TestDo_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res := retry.Do(ctx, retry.Policy{Attempts: 10, BaseDelay: time.Hour}, func(context.Context, int) (int, error) {
		cancel()
		return 0, errors.New("nope")
	})
	if res.Attempts != 1 || !errors.Is(res.Err(), context.Canceled) {
		t.Fatalf("attempts = %d, err = %v", res.Attempts, res.Err())
	}
	if !retry.Permanent(context.Canceled) || retry.Permanent(errors.New("x")) {
		t.Fatal("Permanent misclassifies")
	}
}

func TestDo_BacksOffExponentially(t *testing.T) {
	var delays []time.Duration
	p := retry.Policy{
		Attempts:  5,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  300 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}
	retry.Do(context.Background(), p, func(context.Context, int) (int, error) { return 0, errors.New("x") })
	if len(delays) != 4 {
		t.Fatalf("delays = %v", delays)
	}
	bounds := [][2]time.Duration{
		{75 * time.Millisecond, 125 * time.Millisecond},
		{150 * time.Millisecond, 250 * time.Millisecond},
		{225 * time.Millisecond, 375 * time.Millisecond},
		{225 * time.Millisecond, 375 * time.Millisecond},
	}
	for i, d := range delays {
		if d < bounds[i][0] || d > bounds[i][1] {
			t.Fatalf("delay %d = %v, want within %v", i, d, bounds[i])
		}
	}
}

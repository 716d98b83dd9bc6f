package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/c360studio/semcrew/clock"
	"github.com/c360studio/semcrew/fault"
)

func TestBackoffFor(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	tests := []struct {
		name   string
		retry  int
		jitter float64
		want   time.Duration
	}{
		{"first retry no jitter", 1, 0, time.Second},
		{"second retry no jitter", 2, 0, 2 * time.Second},
		{"fifth retry no jitter", 5, 0, 16 * time.Second},
		{"capped at max", 6, 0, 30 * time.Second},
		{"full jitter adds ten percent", 1, 1.0, 1100 * time.Millisecond},
		{"half jitter", 2, 0.5, 2100 * time.Millisecond},
		{"zero retry", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.BackoffFor(tt.retry, tt.jitter); got != tt.want {
				t.Errorf("BackoffFor(%d, %v) = %v, want %v", tt.retry, tt.jitter, got, tt.want)
			}
		})
	}
}

func TestBackoffBounded(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("backoff never exceeds max", prop.ForAll(
		func(retry int, jitterPct int) bool {
			d := p.BackoffFor(retry, float64(jitterPct)/100)
			return d >= 0 && d <= p.MaxDelay
		},
		gen.IntRange(1, 64),
		gen.IntRange(0, 99),
	))

	properties.Property("backoff is monotone in retry index at fixed jitter", prop.ForAll(
		func(retry int) bool {
			return p.BackoffFor(retry, 0) <= p.BackoffFor(retry+1, 0)
		},
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

func TestRunStopsOnNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5}
	calls := 0
	permanent := errors.New("bad request")

	attempts, err := p.Run(context.Background(), clock.NewFake(), func(ctx context.Context) error {
		calls++
		return permanent
	})

	if attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1, 1", attempts, calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want %v", err, permanent)
	}
}

func TestRunRetriesTransientUntilSuccess(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 0, Multiplier: 2}
	calls := 0

	attempts, err := p.Run(context.Background(), clock.NewFake(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fault.Errorf(fault.Transient, "blip %d", calls)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BaseDelay: 0}
	calls := 0

	attempts, err := p.Run(context.Background(), clock.NewFake(), func(ctx context.Context) error {
		calls++
		return fault.Errorf(fault.Transient, "always failing")
	})

	if calls != 3 || attempts != 3 {
		t.Errorf("calls = %d, attempts = %d, want 3, 3", calls, attempts)
	}
	if !fault.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestRunCustomPredicate(t *testing.T) {
	sentinel := errors.New("retry me")
	p := RetryPolicy{
		MaxRetries:  2,
		BaseDelay:   0,
		ShouldRetry: func(err error) bool { return errors.Is(err, sentinel) },
	}
	calls := 0

	_, err := p.Run(context.Background(), clock.NewFake(), func(ctx context.Context) error {
		calls++
		return sentinel
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	fc := clock.NewFake()
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, fc, func(ctx context.Context) error {
			return fault.Errorf(fault.Transient, "blip")
		})
		done <- err
	}()

	fc.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		if !fault.IsCancelled(err) {
			t.Errorf("err = %v, want cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

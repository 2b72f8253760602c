package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: -1}
}

func TestDoSucceedsFirst(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", fastPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("Do() = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", fastPolicy(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Service: "stt", Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Errorf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustedCarriesLastError(t *testing.T) {
	calls := 0
	var last error
	err := Do(context.Background(), "recognize", fastPolicy(), func(ctx context.Context) error {
		calls++
		last = fmt.Errorf("attempt %d: %w", calls, ErrTransient)
		return last
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("Do() = %v, want *ExhaustedError", err)
	}
	if ex.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d calls = %d, want 3", ex.Attempts, calls)
	}
	if !errors.Is(err, last) {
		t.Errorf("exhausted error does not wrap last error %v", last)
	}
	if IsPermanent(err) {
		t.Errorf("exhaustion must not be reported as permanent")
	}
}

func TestDoNonRetryableAbortsImmediately(t *testing.T) {
	cases := []error{
		&StatusError{Service: "tts", Status: 401},
		&StatusError{Service: "llm", Status: 429, Body: "insufficient_quota"},
		errors.New("You exceeded your current quota"),
		fmt.Errorf("wrapped: %w", ErrPermanent),
	}
	for _, perm := range cases {
		calls := 0
		err := Do(context.Background(), "op", Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
			calls++
			return perm
		})
		if !errors.Is(err, perm) {
			t.Errorf("Do() = %v, want %v", err, perm)
		}
		if calls != 1 {
			t.Errorf("%v: calls = %d, want 1", perm, calls)
		}
		if !IsPermanent(err) {
			t.Errorf("%v: IsPermanent = false, want true", perm)
		}
	}
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Jitter: -1}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, "op", p, func(ctx context.Context) error {
			calls++
			return ErrTransient
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 350 * time.Millisecond, Jitter: -1}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999999} {
		p := Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, Jitter: 0.1, rand: func() float64 { return r }}
		got := p.Backoff(0)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Errorf("Backoff with rand=%v = %v, want within ±10%% of 1s", r, got)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{errors.New("dial tcp: connection refused"), Retryable},
		{errors.New("request timed out"), Retryable},
		{&StatusError{Service: "x", Status: 429}, Retryable},
		{&StatusError{Service: "x", Status: 429, Body: "rate limit reached"}, Retryable},
		{&StatusError{Service: "x", Status: 429, Body: "insufficient_quota"}, NonRetryable},
		{fmt.Errorf("chat: %w", &StatusError{Service: "x", Status: 429, Body: "You exceeded your current quota"}), NonRetryable},
		{&StatusError{Service: "x", Status: 503}, Retryable},
		{&StatusError{Service: "x", Status: 403}, NonRetryable},
		{errors.New("invalid api key provided"), NonRetryable},
		{errors.New("insufficient_quota"), NonRetryable},
		{context.Canceled, NonRetryable},
		{context.DeadlineExceeded, Retryable},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

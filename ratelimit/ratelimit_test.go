package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"
)

type statusErr struct {
	code  int
	after time.Duration
}

func (e *statusErr) Error() string             { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) StatusCode() int           { return e.code }
func (e *statusErr) RetryAfter() time.Duration { return e.after }

type permanentErr struct{ err error }

func (e *permanentErr) Error() string   { return "permanent: " + e.err.Error() }
func (e *permanentErr) Unwrap() error   { return e.err }
func (e *permanentErr) Permanent() bool { return true }

func fastConfig() *Config {
	return &Config{
		APIDelay:          time.Millisecond,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Millisecond,
		MaxAttempts:       4,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.APIDelay != 200*time.Millisecond {
		t.Errorf("APIDelay = %v, want 200ms", cfg.APIDelay)
	}
	if cfg.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s", cfg.BaseDelay)
	}
	if cfg.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", cfg.BackoffMultiplier)
	}
	if cfg.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %v, want 4", cfg.MaxAttempts)
	}
}

func TestNewRateLimiter_WithNilConfig(t *testing.T) {
	rl := NewRateLimiter(nil)

	if rl.config.APIDelay != 200*time.Millisecond {
		t.Errorf("Default APIDelay = %v, want 200ms", rl.config.APIDelay)
	}
}

func TestRateLimiter_Wait_CancelledContext(t *testing.T) {
	cfg := fastConfig()
	cfg.APIDelay = time.Second
	rl := NewRateLimiter(cfg)

	// Use up the initial burst
	_ = rl.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait() with canceled context should return error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &statusErr{code: 429}, true},
		{"503", &statusErr{code: 503}, true},
		{"500", &statusErr{code: 500}, false},
		{"401", &statusErr{code: 401}, false},
		{"wrapped 429", fmt.Errorf("fetching parts: %w", &statusErr{code: 429}), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"truncated body", io.ErrUnexpectedEOF, true},
		{"rate limit text", errors.New("rate limit exceeded"), true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("invalid json"), false},
		{"permanent truncated body", fmt.Errorf("page: %w", &permanentErr{io.ErrUnexpectedEOF}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	rl := NewRateLimiter(DefaultConfig())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := rl.Backoff(tt.attempt, errors.New("x")); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := rl.Backoff(1, &statusErr{code: 429, after: 5 * time.Second}); got != 5*time.Second {
		t.Errorf("Backoff with Retry-After = %v, want 5s", got)
	}
}

func TestHandleError_LastAttemptStops(t *testing.T) {
	rl := NewRateLimiter(fastConfig())

	retry, _ := rl.HandleError(1, &statusErr{code: 503})
	if !retry {
		t.Error("first 503 should be retried")
	}
	retry, _ = rl.HandleError(4, &statusErr{code: 503})
	if retry {
		t.Error("503 on the last attempt should not be retried")
	}
}

func TestExecuteWithRetry_SucceedsAfterTransientErrors(t *testing.T) {
	rl := NewRateLimiter(fastConfig())

	calls := 0
	err := rl.ExecuteWithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &statusErr{code: 429}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecuteWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	rl := NewRateLimiter(fastConfig())

	calls := 0
	err := rl.ExecuteWithRetry(context.Background(), func() error {
		calls++
		return &statusErr{code: 503}
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", calls)
	}
	var se StatusError
	if !errors.As(err, &se) || se.StatusCode() != 503 {
		t.Errorf("last error should be preserved, got %v", err)
	}
}

func TestExecuteWithRetry_NonRetryableFailsFast(t *testing.T) {
	rl := NewRateLimiter(fastConfig())

	calls := 0
	err := rl.ExecuteWithRetry(context.Background(), func() error {
		calls++
		return &statusErr{code: 401}
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSuccessRestoresPacing(t *testing.T) {
	rl := NewRateLimiter(fastConfig())

	_, _ = rl.HandleError(1, &statusErr{code: 429, after: 5 * time.Millisecond})
	if rl.currentDelay != 5*time.Millisecond {
		t.Errorf("currentDelay after 429 = %v, want 5ms", rl.currentDelay)
	}

	rl.Success()
	if rl.currentDelay != time.Millisecond {
		t.Errorf("currentDelay after success = %v, want 1ms", rl.currentDelay)
	}
}

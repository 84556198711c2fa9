// Package ratelimit paces calls to the supplier API and retries transient failures
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter combines request pacing with exponential backoff retries
type RateLimiter struct {
	limiter      *rate.Limiter
	mu           sync.Mutex
	currentDelay time.Duration
	config       *Config
}

// Config holds rate limiter configuration
type Config struct {
	APIDelay          time.Duration // minimum spacing between requests
	BaseDelay         time.Duration // wait before the first retry
	BackoffMultiplier float64
	MaxDelay          time.Duration
	MaxAttempts       int // total attempts, including the first one
}

// DefaultConfig returns 200ms pacing and 3 retries at 2s, 4s and 8s
func DefaultConfig() *Config {
	return &Config{
		APIDelay:          200 * time.Millisecond,
		BaseDelay:         2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       4,
	}
}

// StatusError is implemented by errors that carry an HTTP status code
type StatusError interface {
	error
	StatusCode() int
}

// RetryAfterError is implemented by errors that carry a server-provided wait
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// PermanentError is implemented by errors that must fail on the first attempt
type PermanentError interface {
	error
	Permanent() bool
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *Config) *RateLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.APIDelay <= 0 {
		cfg.APIDelay = time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	return &RateLimiter{
		limiter:      rate.NewLimiter(perSecond(cfg.APIDelay), 1),
		currentDelay: cfg.APIDelay,
		config:       cfg,
	}
}

func perSecond(delay time.Duration) rate.Limit {
	return rate.Limit(float64(time.Second) / float64(delay))
}

// Wait blocks until the rate limiter allows the request
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// IsRetryable reports whether err is worth another attempt: HTTP 429/503,
// network timeouts, refused or reset connections, and truncated bodies.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe PermanentError
	if errors.As(err, &pe) && pe.Permanent() {
		return false
	}

	var se StatusError
	if errors.As(err, &se) {
		code := se.StatusCode()
		return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "connection reset")
}

// Backoff returns the wait before retry number attempt (1-based)
func (r *RateLimiter) Backoff(attempt int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return min(ra.RetryAfter(), r.config.MaxDelay)
	}

	wait := float64(r.config.BaseDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	return time.Duration(math.Min(wait, float64(r.config.MaxDelay)))
}

// HandleError decides whether to retry after a failed attempt and slows the
// limiter down when the server is throttling us
func (r *RateLimiter) HandleError(attempt int, err error) (shouldRetry bool, waitTime time.Duration) {
	if !IsRetryable(err) {
		return false, 0
	}

	waitTime = r.Backoff(attempt, err)

	var se StatusError
	if errors.As(err, &se) && se.StatusCode() == http.StatusTooManyRequests {
		r.mu.Lock()
		if waitTime > r.currentDelay {
			r.currentDelay = waitTime
			r.limiter.SetLimit(perSecond(waitTime))
		}
		r.mu.Unlock()
	}

	return attempt < r.config.MaxAttempts, waitTime
}

// Success restores the configured pacing after throttling
func (r *RateLimiter) Success() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentDelay != r.config.APIDelay {
		r.currentDelay = r.config.APIDelay
		r.limiter.SetLimit(perSecond(r.config.APIDelay))
	}
}

// ExecuteWithRetry runs fn under the limiter, retrying transient failures
func (r *RateLimiter) ExecuteWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := r.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		err := fn()
		if err == nil {
			r.Success()
			return nil
		}
		lastErr = err

		shouldRetry, waitTime := r.HandleError(attempt, err)
		if !shouldRetry {
			if attempt > 1 {
				return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

// Package retry wraps transient-failure-prone calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultMaxRetries bounds additional attempts beyond the first call.
	DefaultMaxRetries = 3
	// DefaultInitialDelay seeds the backoff sequence.
	DefaultInitialDelay = time.Second
	// DefaultMultiplier doubles the delay per attempt.
	DefaultMultiplier = 2.0
	// DefaultJitterFactor spreads delays by ±10% to avoid thundering herds.
	DefaultJitterFactor = 0.1

	minDelay = 100 * time.Millisecond
	maxDelay = 30 * time.Second
)

// Options tunes the backoff sequence and the retry predicate.
type Options struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	JitterFactor float64
	ShouldRetry  func(error) bool
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.Multiplier <= 0 {
		o.Multiplier = DefaultMultiplier
	}
	if o.JitterFactor < 0 {
		o.JitterFactor = DefaultJitterFactor
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = IsTemporary
	}
	return o
}

// Result records the outcome of a retried call instead of panicking through
// the call stack; callers decide whether the final error is fatal.
type Result[T any] struct {
	Success       bool
	Data          T
	Err           error
	RetryCount    int
	TotalDuration time.Duration
}

// HTTPError carries a status code through the retry predicate.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Delay computes the backoff delay for a 0-indexed attempt:
// initial·multiplier^attempt with uniform jitter, floored at 100ms and
// capped at 30s.
func Delay(attempt int, opts Options) time.Duration {
	opts = opts.withDefaults()

	exp := float64(opts.InitialDelay) * math.Pow(opts.Multiplier, float64(attempt))
	if exp > float64(maxDelay) {
		exp = float64(maxDelay)
	}
	jitter := exp * opts.JitterFactor * (rand.Float64()*2 - 1)

	delay := time.Duration(exp + jitter)
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

// IsTemporary reports whether the error looks transient: network timeouts,
// refused/reset connections, and HTTP 408/429/503/5xx responses.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 408, httpErr.Status == 429:
			return true
		case httpErr.Status >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"network", "timeout", "econnrefused", "econnreset", "fetch failed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do invokes fn up to MaxRetries+1 times, sleeping the backoff delay between
// attempts. Context cancellation stops the sequence immediately.
func Do[T any](ctx context.Context, fn func(context.Context) (T, error), opts Options) Result[T] {
	opts = opts.withDefaults()
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		data, err := fn(ctx)
		if err == nil {
			return Result[T]{
				Success:       true,
				Data:          data,
				RetryCount:    attempt,
				TotalDuration: time.Since(start),
			}
		}
		lastErr = err

		if attempt == opts.MaxRetries || !opts.ShouldRetry(err) {
			return Result[T]{
				Success:       false,
				Err:           lastErr,
				RetryCount:    attempt,
				TotalDuration: time.Since(start),
			}
		}

		select {
		case <-ctx.Done():
			return Result[T]{
				Success:       false,
				Err:           errors.Join(lastErr, ctx.Err()),
				RetryCount:    attempt,
				TotalDuration: time.Since(start),
			}
		case <-time.After(Delay(attempt, opts)):
		}
	}

	// unreachable: the loop always returns
	return Result[T]{Success: false, Err: lastErr, RetryCount: opts.MaxRetries, TotalDuration: time.Since(start)}
}

// Value unwraps a Result into the usual (T, error) pair.
func (r Result[T]) Value() (T, error) {
	if r.Success {
		return r.Data, nil
	}
	return r.Data, r.Err
}

package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults tuned for directory lookups, where a retry waits for a concurrent
// writer to commit.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 20 * time.Millisecond
	DefaultMaxBackoff     = time.Second
	DefaultJitterFactor   = 0.25
	MaxJitterFactor       = 1.0
)

// Config bounds a retry loop. Zero fields take the defaults.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFactor in (0, 1] scales the random part of each wait.
	JitterFactor float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// withDefaults returns a copy of c with unset fields filled in.
func (c *Config) withDefaults() Config {
	out := *DefaultConfig()
	if c == nil {
		return out
	}
	if c.MaxRetries > 0 {
		out.MaxRetries = c.MaxRetries
	}
	if c.InitialBackoff > 0 {
		out.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		out.MaxBackoff = c.MaxBackoff
	}
	if c.JitterFactor > 0 {
		out.JitterFactor = math.Min(c.JitterFactor, MaxJitterFactor)
	}
	return out
}

// Backoff returns the wait before retry number attempt+1: the initial
// backoff doubled per attempt, plus up to JitterFactor of itself, capped at
// MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	d += d * c.JitterFactor * rand.Float64()
	return time.Duration(math.Min(d, float64(c.MaxBackoff)))
}

// ShouldRetryFunc reports whether err is worth another attempt.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options customizes which errors are retried and observes retries.
type Options struct {
	// ShouldRetry defaults to retrying every non-permanent error.
	ShouldRetry ShouldRetryFunc
	OnRetry     OnRetryFunc
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done.
func Do(ctx context.Context, cfg *Config, fn func(ctx context.Context) error, opts *Options) error {
	_, err := DoValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error), opts *Options) (T, error) {
	c := cfg.withDefaults()
	if opts == nil {
		opts = &Options{}
	}

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if attempt == c.MaxRetries || (opts.ShouldRetry != nil && !opts.ShouldRetry(err)) {
			return zero, err
		}

		wait := c.Backoff(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

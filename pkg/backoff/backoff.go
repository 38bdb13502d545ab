// Package backoff computes exponential retry delays and retries operations
// with them.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay randomised, 0..1 (default: none)
}

// Exponential returns the delay before retry number attempt: Initial for the
// first, doubling up to Max. With Jitter j the delay lies in [d*(1-j), d].
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, ceiling, jitter := defaultInitial, defaultMax, 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			ceiling = cfg.Max
		}
		jitter = min(max(cfg.Jitter, 0), 1)
	}

	attempt = max(attempt, 1)
	d := min(float64(initial)*math.Pow(2, float64(attempt-1)), float64(ceiling))
	if jitter > 0 {
		d -= d * jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, attempts calls were made or ctx is done,
// sleeping Exponential(n, cfg) between calls. onRetry, when set, sees every
// failure that will be retried. The last error of fn is returned, or ctx.Err
// when the context ended the wait.
func Retry(ctx context.Context, attempts int, cfg *Config, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	attempts = max(attempts, 1)
	var err error
	for n := 1; ; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if n >= attempts {
			return err
		}
		if onRetry != nil {
			onRetry(n, err)
		}
		timer := time.NewTimer(Exponential(n, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

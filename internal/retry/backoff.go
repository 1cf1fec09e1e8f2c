package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           // retry attempts after the first try
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // ceiling on the delay between retries
	Multiplier float64       // backoff growth factor
	Jitter     bool          // randomize delays to avoid lockstep retries
}

// DefaultConfig returns sensible defaults for short contended operations.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// ErrRetriesExhausted wraps the last error once all attempts are spent.
var ErrRetriesExhausted = errors.New("retry: attempts exhausted")

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is cancelled. retryable decides which errors are worth
// another attempt; a nil predicate retries everything.
func Do(ctx context.Context, cfg Config, op func() error, retryable func(error) bool) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt-1)
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("retrying after backoff")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return errors.Join(ErrRetriesExhausted, lastErr)
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if ceil := float64(cfg.MaxDelay); delay > ceil {
		delay = ceil
	}
	if cfg.Jitter {
		// up to 10% either way
		delay += (rand.Float64() - 0.5) * 0.2 * delay
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}

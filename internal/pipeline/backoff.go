package pipeline

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cwygoda/scout/internal/domain"
)

// Backoff computes exponential retry delays with full jitter.
// Delay = rand[0, min(Initial * 2^(attempt-1), Max)].
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && (ceiling > b.Max || ceiling <= 0) {
		ceiling = b.Max
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// retry calls fn until it succeeds, returns a non-transient error, or
// attempts are used up. It never sleeps past ctx.
func retry(ctx context.Context, attempts int, b Backoff, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !domain.IsTransient(err) || attempt >= attempts {
			return err
		}
		t := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

package harvest

import (
	"context"
	"time"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// Backoff retries a page request with exponential delays.
type Backoff struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Do calls fn until it succeeds, returns a permanent error, or the retry
// budget is spent. The last error is returned.
func (b Backoff) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: base, 2*base, 4*base, ...
			delay := b.BaseDelay * time.Duration(1<<uint(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		err = fn(ctx)
		if err == nil || conflict.IsPermanent(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

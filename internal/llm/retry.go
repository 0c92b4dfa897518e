package llm

import (
	"context"
	"time"
)

const retryBaseDelay = 500 * time.Millisecond

// retry runs op up to maxRetries+1 times with exponential backoff. It stops
// early when op succeeds, when retryable reports false, or when ctx ends.
func retry(ctx context.Context, maxRetries int, base time.Duration, op func() error, retryable func(error) bool) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || attempt >= maxRetries || ctx.Err() != nil || !retryable(err) {
			return err
		}
		timer := time.NewTimer(base << attempt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

package adapter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chroniclekit/chronicle/internal/metrics"
)

const (
	// maxSaveAttempts bounds deadlock retries; the last failure surfaces.
	maxSaveAttempts = 3
	initialBackoff  = 50 * time.Millisecond
)

// WithDeadlockRetry runs fn, retrying with exponential backoff only when
// retryable classifies the failure as transient lock contention. Every
// other error propagates immediately: retries are never a cover for data
// or validation problems.
func WithDeadlockRetry(ctx context.Context, log zerolog.Logger, backend string, retryable func(error) bool, fn func() error) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= maxSaveAttempts {
			return err
		}

		metrics.DeadlockRetriesTotal.WithLabelValues(backend).Inc()
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("deadlock detected, retrying save")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// AttemptTimeout bounds a single Connect attempt.
const AttemptTimeout = 10 * time.Second

// Connect calls open until it succeeds, attempts run out or ctx ends. Attempts
// are spaced by interval and each one is logged.
func Connect[T any](ctx context.Context, attempts int, interval time.Duration, log *zap.Logger, open func(context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	n := 0
	op := func() (T, error) {
		n++
		log.Info("connecting to database", zap.Int("attempt", n), zap.Int("max_attempts", attempts))
		actx, cancel := context.WithTimeout(ctx, AttemptTimeout)
		defer cancel()
		return open(actx)
	}
	notify := func(err error, next time.Duration) {
		log.Warn("database not ready", zap.Int("attempt", n), zap.Int("max_attempts", attempts),
			zap.Duration("retry_in", next), zap.Error(err))
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	v, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		log.Error("database unavailable", zap.Int("attempts", n), zap.Error(err))
		return v, fmt.Errorf("connect database after %d attempts: %w", n, err)
	}
	if n > 1 {
		log.Info("database connected", zap.Int("attempt", n))
	}
	return v, nil
}

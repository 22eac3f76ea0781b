package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/d-o-hub/epimem/internal/models"
)

// RetryWithBackoff wraps operation with exponential backoff retry logic.
// Retries only on transient SQLite errors (SQLITE_BUSY, "database is
// locked"); conflict and constraint errors are returned immediately.
func RetryWithBackoff(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		err := operation()
		if err == nil {
			return nil
		}

		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			return backoff.Permanent(err)
		}

		if isRetryableError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

// IsVersionConflict reports whether err is a CAS version conflict.
func IsVersionConflict(err error) bool {
	if err == nil {
		return false
	}
	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		return true
	}
	return errors.Is(err, ErrVersionConflict)
}

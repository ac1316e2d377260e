package repository

import (
	"context"
	"errors"
	"time"

	"wisefido-datum/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DatumStore is the persistence contract the queue dispatches to.
type DatumStore interface {
	StoreDatum(ctx context.Context, d *models.Datum) error
}

// RetryStore retries StoreDatum on transient database errors with
// exponential backoff. Other errors are returned at once.
type RetryStore struct {
	store    DatumStore
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// NewRetryStore wraps store. attempts counts the first try.
func NewRetryStore(store DatumStore, attempts int, backoff time.Duration, logger *zap.Logger) *RetryStore {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryStore{store: store, attempts: attempts, backoff: backoff, logger: logger}
}

// StoreDatum stores d, retrying transient failures.
func (r *RetryStore) StoreDatum(ctx context.Context, d *models.Datum) error {
	backoff := r.backoff
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = r.store.StoreDatum(ctx, d); err == nil || !IsTransient(err) || attempt == r.attempts {
			return err
		}

		r.logger.Warn("Transient error storing datum, retrying",
			zap.String("source_id", d.SourceID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
		backoff *= 2
	}
	return err
}

// IsTransient reports whether err is a PostgreSQL error worth retrying:
// connection exceptions, serialization failures and deadlocks.
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code.Class() == "08" {
		return true
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// txRetryPolicy bounds how often a transaction that lost a serialization
// or deadlock race is replayed. Delays grow exponentially from baseDelay
// with up to baseDelay of jitter added.
type txRetryPolicy struct {
	retries   int
	baseDelay time.Duration
}

// defaultTxRetry covers the serializable transactions in this package.
var defaultTxRetry = txRetryPolicy{retries: 3, baseDelay: 20 * time.Millisecond}

// retryableSQLState returns the SQLSTATE of err when replaying the whole
// transaction may succeed.
func retryableSQLState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return pgErr.Code, true
	}
	return "", false
}

// run calls fn until it succeeds, fails with a non-retryable error, or the
// retries are spent. onRetry, when set, sees each replay before it sleeps.
func (p txRetryPolicy) run(ctx context.Context, fn func() error, onRetry func(attempt int, sqlState string)) error {
	delay := p.baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		code, ok := retryableSQLState(err)
		if !ok || attempt == p.retries {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, code)
		}
		var jitter time.Duration
		if delay > 0 {
			jitter = time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}

// withTxRetry runs fn under defaultTxRetry, logging and counting replays
// under op.
func (db *DB) withTxRetry(ctx context.Context, op string, fn func() error) error {
	return defaultTxRetry.run(ctx, fn, func(attempt int, sqlState string) {
		db.logger.Debug("storage: retrying transaction", "op", op, "attempt", attempt, "sqlstate", sqlState)
		if db.txRetries != nil {
			db.txRetries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", op),
				attribute.String("sqlstate", sqlState),
			))
		}
	})
}

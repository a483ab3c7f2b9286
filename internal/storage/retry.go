package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes treated as transient conflicts.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// RetryPolicy re-runs a unit of work after transient conflicts. Delays start
// at BaseDelay and double per attempt, each with up to its own length of
// jitter added.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Retriable classifies errors. Nil means IsTransient.
	Retriable func(error) bool
}

// ReplyRetry bounds the reply transaction. Marking the original processed
// races MarkAsProcessed and any concurrent reply to the same message, so a
// few quick retries absorb the conflict without holding the caller for long:
// worst case is about 10+20+40ms of sleep plus jitter.
var ReplyRetry = RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond}

// WithClassifier returns a copy of p that retries errors matching fn.
func (p RetryPolicy) WithClassifier(fn func(error) bool) RetryPolicy {
	p.Retriable = fn
	return p
}

// IsTransient reports whether err is a Postgres serialization failure or
// deadlock, both of which succeed on a clean re-run.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return true
	default:
		return false
	}
}

// Do calls fn until it succeeds, fails permanently, or the retry budget is
// spent. It returns the last error from fn, or ctx.Err() if ctx ends while
// waiting.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	retriable := p.Retriable
	if retriable == nil {
		retriable = IsTransient
	}
	delay := p.BaseDelay
	var err error
	for attempt := range p.MaxRetries + 1 {
		if err = fn(); err == nil || !retriable(err) || attempt == p.MaxRetries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return err
}

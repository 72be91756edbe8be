// Package store is the metadata store gateway. It owns the camera
// inventory, the segment index, runtime system configuration and the
// audit log. Every operation retries transient SQLite failures with
// exponential backoff before surfacing StoreUnavailable.
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/fleetcam/vms/internal/database"
	"github.com/fleetcam/vms/internal/verr"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBase     = 5 * time.Second
	defaultRetryMax      = 30 * time.Second
)

// Store provides access to all persistent entities.
type Store struct {
	db     *database.DB
	logger *slog.Logger

	retryAttempts int
	retryBase     time.Duration
	retryMax      time.Duration
}

// Option customizes a Store.
type Option func(*Store)

// WithRetry overrides the retry schedule, mainly for tests.
func WithRetry(attempts int, base, max time.Duration) Option {
	return func(s *Store) {
		s.retryAttempts = attempts
		s.retryBase = base
		s.retryMax = max
	}
}

// New creates a store over an open database.
func New(db *database.DB, opts ...Option) *Store {
	s := &Store{
		db:            db,
		logger:        slog.Default().With("component", "store"),
		retryAttempts: defaultRetryAttempts,
		retryBase:     defaultRetryBase,
		retryMax:      defaultRetryMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Health pings the underlying database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

// withRetry runs fn, retrying transient failures with exponential
// backoff. Non-transient errors (constraint violations, no rows) pass
// through untouched so callers keep their semantics.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.retryBase
	var err error

	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == s.retryAttempts {
			break
		}

		s.logger.Warn("Store operation failed, retrying",
			"op", op, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.retryMax {
			delay = s.retryMax
		}
	}

	return verr.Wrap(verr.KindStoreUnavailable, err,
		"store unavailable after %d attempts (%s)", s.retryAttempts, op)
}

// isTransient reports whether the error is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked ||
			se.Code == sqlite3.ErrIoErr || se.Code == sqlite3.ErrCantOpen
	}
	return false
}

// isUniqueViolation reports whether the error is a unique-key conflict.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Package sweeper periodically expires aged-out sessions, deletes them
// past their retention grace, and purges stale login attempt records.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SessionSweeper exposes the expiry sweep on the session service.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (expired, deleted int, err error)
}

// AttemptPurger exposes the retention purge on the login guard.
type AttemptPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Result summarizes one sweep run.
type Result struct {
	ExpiredSessions int
	DeletedSessions int
	PurgedAttempts  int
}

// Sweeper runs both sweeps on a shared schedule.
type Sweeper struct {
	sessions SessionSweeper
	attempts AttemptPurger
	interval time.Duration
	logger   *slog.Logger
}

type Option func(*Sweeper)

// WithInterval overrides the sweep interval when greater than zero.
func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLogger overrides the logger used for sweep errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Sweeper. attempts may be nil when the login guard
// store purges itself (redis TTLs).
func New(sessions SessionSweeper, attempts AttemptPurger, opts ...Option) (*Sweeper, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session sweeper is required")
	}
	s := &Sweeper{
		sessions: sessions,
		attempts: attempts,
		interval: 5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start runs the sweep periodically until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "session sweep failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single sweep. Partial failures are aggregated so
// one failing store does not starve the other sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	expired, deleted, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep sessions: %w", err))
	} else {
		res.ExpiredSessions = expired
		res.DeletedSessions = deleted
	}

	if s.attempts != nil {
		purged, err := s.attempts.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge login attempts: %w", err))
		} else {
			res.PurgedAttempts = purged
		}
	}

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	if res.ExpiredSessions > 0 || res.DeletedSessions > 0 || res.PurgedAttempts > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			"expired_sessions", res.ExpiredSessions,
			"deleted_sessions", res.DeletedSessions,
			"purged_attempts", res.PurgedAttempts,
		)
	}
	return res, nil
}

// Package retirer periodically revokes retiring signing keys whose
// rotation grace window has elapsed.
package retirer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// KeyRevoker exposes the grace-window sweep on the key service.
type KeyRevoker interface {
	RevokeElapsed(ctx context.Context) (int, error)
}

// Retirer runs the grace-window sweep on a schedule.
type Retirer struct {
	keys     KeyRevoker
	interval time.Duration
	logger   *slog.Logger
}

type Option func(*Retirer)

// WithInterval overrides the sweep interval when greater than zero.
func WithInterval(interval time.Duration) Option {
	return func(r *Retirer) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithLogger overrides the logger used for sweep errors.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retirer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a Retirer with the required key service and options applied.
func New(keys KeyRevoker, opts ...Option) (*Retirer, error) {
	if keys == nil {
		return nil, fmt.Errorf("key revoker is required")
	}
	r := &Retirer{
		keys:     keys,
		interval: 5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Start runs the sweep periodically until ctx is cancelled.
func (r *Retirer) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "signing key grace sweep failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single sweep and returns how many keys it revoked.
func (r *Retirer) RunOnce(ctx context.Context) (int, error) {
	count, err := r.keys.RevokeElapsed(ctx)
	if err != nil {
		return 0, fmt.Errorf("revoke elapsed keys: %w", err)
	}
	return count, nil
}

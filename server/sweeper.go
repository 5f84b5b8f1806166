package server

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes expired codes, grants and access
// overrides. It is storage hygiene only: every read path already
// rejects expired records on its own, so correctness never depends on
// the sweep having run.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper wires a sweeper over the store.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled. A
// non-positive interval disables sweeping.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	codes, err := s.store.Codes().DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Warn("code sweep failed", "error", err)
	}
	grants, err := s.store.Grants().DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Warn("grant sweep failed", "error", err)
	}
	access, err := s.store.Permissions().DeleteExpiredAccess(ctx, now)
	if err != nil {
		s.logger.Warn("access grant sweep failed", "error", err)
	}
	if codes+grants+access > 0 {
		s.logger.Info("expired records swept",
			"codes", codes, "grants", grants, "access_grants", access)
	}
}

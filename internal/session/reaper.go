package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically errors out sessions that stopped producing activity
// and purges terminal sessions past their retention window.
type Reaper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

func NewReaper(store Store, logger *slog.Logger) *Reaper {
	return &Reaper{store: store, interval: ReapInterval, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping on a fixed interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.ReapStale(ctx)
			if err != nil {
				r.logger.Error("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("reaped stale sessions", "count", n)
			}
		}
	}
}

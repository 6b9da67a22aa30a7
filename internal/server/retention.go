package server

import (
	"context"
	"log/slog"
	"time"
)

const defaultPruneInterval = time.Hour

// Pruner deletes diagnostics older than a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunRetention prunes diagnostics older than retention once at start and then
// every interval until ctx is done. A non-positive retention disables pruning.
func RunRetention(ctx context.Context, p Pruner, retention, interval time.Duration, log *slog.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	if log == nil {
		log = slog.Default()
	}

	prune := func() {
		n, err := p.PruneBefore(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("diagnostics pruning failed", "error", err)
		case n > 0:
			log.Info("pruned diagnostics", "rows", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

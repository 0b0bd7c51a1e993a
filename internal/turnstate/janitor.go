package turnstate

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Sweeper is implemented by stores that can drop expired entries in bulk.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// StartJanitor periodically sweeps expired entries until ctx is done.
// Expired entries are already invisible to readers; sweeping only bounds
// storage growth. The returned channel closes when the goroutine exits.
func StartJanitor(ctx context.Context, clk clock.WithTicker, sweeper Sweeper, interval time.Duration, logger *slog.Logger) <-chan struct{} {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	ticker := clk.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		logger.Info("Turn state janitor started", "interval", interval)

		for {
			select {
			case <-ticker.C():
				n, err := sweeper.Sweep(ctx)
				if err != nil {
					logger.Warn("Turn state sweep failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("Turn state swept", "removed", n)
				}
			case <-ctx.Done():
				logger.Info("Turn state janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

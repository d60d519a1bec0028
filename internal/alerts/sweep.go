package alerts

import (
	"context"
	"time"
)

// RunExpiry calls ExpireStaleAlerts every interval until ctx is done.
func (d *Deduplicator) RunExpiry(ctx context.Context, interval, window time.Duration) {
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("alert expiry sweep started", "interval", interval, "window", window)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := d.ExpireStaleAlerts(ctx, now, window); err != nil {
				d.logger.Error("alert expiry sweep failed", "error", err)
			}
		}
	}
}

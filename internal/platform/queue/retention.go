package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StartRetentionRoutine periodically trims records older than maxAge from the stream.
// It blocks until ctx is done.
func (r *RedisFeed) StartRetentionRoutine(ctx context.Context, interval time.Duration, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting result retention routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trimmed, err := r.Trim(ctx, time.Now().Add(-maxAge))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Retention routine failed", "error", err)
				continue
			}
			if trimmed > 0 {
				slog.Info("Trimmed expired result records", "count", trimmed)
			}
		}
	}
}

// Trim removes records published before cutoff using XTRIM MINID.
// Stream ids start with their millisecond timestamp, so the cutoff maps directly to an id.
func (r *RedisFeed) Trim(ctx context.Context, cutoff time.Time) (int64, error) {
	minID := fmt.Sprintf("%d-0", cutoff.UnixMilli())
	n, err := r.client.XTrimMinID(ctx, r.stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("redis trim failed: %w", err)
	}
	return n, nil
}

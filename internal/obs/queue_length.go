// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/go-jobqueue/internal/storage"
)

// StartQueueLengthSampler polls each named queue's depth on an interval
// and updates QueueLength, replacing the teacher's LLEN-on-a-raw-Redis-
// list sampler (queue depth is now a storage.Adapter concept, not a
// Redis list the obs package reaches into directly).
func StartQueueLengthSampler(ctx context.Context, queues []string, store storage.Adapter, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					stats, err := store.GetQueueStats(ctx, q)
					if err != nil {
						log.Debug("queue depth poll error", String("queue", q), Err(err))
						continue
					}
					QueueLength.WithLabelValues(q).Set(float64(stats.Queued))
				}
			}
		}
	}()
}

package gc

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper collects expired, unheld nonce records every interval until ctx
// is cancelled. Each tick collects in batches of at most batchSize.
func (c *Collector) RunSweeper(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("gc sweeper started", zap.Duration("interval", interval), zap.Int("batch_size", batchSize))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("gc sweeper stopped")
			return
		case <-ticker.C:
			c.Sweep(ctx, batchSize)
		}
	}
}

// Sweep runs one pass and returns how many records were collected.
//
// A batch can fail when a candidate changes between the scan and the
// collection (another collector got it first, or a hold was placed). The
// batch is then retried one nonce at a time so one bad candidate does not
// keep the rest alive.
func (c *Collector) Sweep(ctx context.Context, batchSize int) int {
	if batchSize <= 0 {
		batchSize = 1
	}
	expired, err := c.nonces.ScanExpired(ctx, c.store, c.now().Unix(), 0)
	if err != nil {
		c.log.Error("sweeper: scan expired", zap.Error(err))
		return 0
	}

	collected := 0
	for start := 0; start < len(expired); start += batchSize {
		if ctx.Err() != nil {
			return collected
		}
		end := start + batchSize
		if end > len(expired) {
			end = len(expired)
		}
		batch := expired[start:end]

		_, err := c.Collect(ctx, batch...)
		if err == nil {
			collected += len(batch)
			continue
		}
		c.log.Warn("sweeper: batch failed, collecting individually", zap.Int("size", len(batch)), zap.Error(err))
		for _, n := range batch {
			if _, err := c.Collect(ctx, n); err != nil {
				c.log.Warn("sweeper: collect", zap.String("nonce", n.String()), zap.Error(err))
				continue
			}
			collected++
		}
	}
	return collected
}

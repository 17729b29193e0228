package settler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/settlement"
)

const maxBatchSize = 50

// Settler is the part of the settlement engine the consumer needs.
type Settler interface {
	Settle(ctx context.Context, req *authorization.SettleRequest) (*settlement.Receipt, error)
}

// Options configures the consumer loop.
type Options struct {
	QueueKey    string
	DLQKey      string
	BatchSize   int
	PollTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueKey == "" {
		o.QueueKey = DefaultQueueKey
	}
	if o.DLQKey == "" {
		o.DLQKey = DefaultDLQKey
	}
	if o.BatchSize <= 0 || o.BatchSize > maxBatchSize {
		o.BatchSize = maxBatchSize
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 5 * time.Second
	}
	return o
}

// Run is the consumer loop: BLPOP → peek the rest of a batch → settle each.
func Run(ctx context.Context, rdb *redis.Client, engine Settler, opts Options, onDeadLetter func(code string), log *zap.Logger) {
	opts = opts.withDefaults()
	log.Info("settler started", zap.String("queue", opts.QueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("settler stopped")
			return
		}

		// BLPOP blocks until an item appears or timeout
		results, err := rdb.BLPop(ctx, opts.PollTimeout, opts.QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("settler: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[0] = key, results[1] = value (already popped by BLPOP)
		firstItem := results[1]

		// Peek remaining items; HandleBatch pops each one as it is settled.
		remaining, err := rdb.LRange(ctx, opts.QueueKey, 0, int64(opts.BatchSize-2)).Result()
		if err != nil {
			log.Error("settler: LRANGE", zap.Error(err))
			remaining = nil
		}

		if !HandleBatch(ctx, rdb, engine, opts, append([]string{firstItem}, remaining...), onDeadLetter, log) {
			time.Sleep(5 * time.Second)
		}
	}
}

// HandleBatch settles items in order. items[0] has already been popped; the
// rest are popped here one at a time. An infrastructure failure pushes the
// failing item back to the head of the queue and stops the batch; it returns
// false in that case.
func HandleBatch(
	ctx context.Context,
	rdb *redis.Client,
	engine Settler,
	opts Options,
	items []string,
	onDeadLetter func(code string),
	log *zap.Logger,
) bool {
	opts = opts.withDefaults()
	for i, raw := range items {
		if i > 0 {
			popped, err := rdb.LPop(ctx, opts.QueueKey).Result()
			if err != nil {
				log.Warn("settler: LPOP", zap.Error(err))
				return true
			}
			// another consumer may have taken the peeked item
			raw = popped
		}

		var req authorization.SettleRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			deadLetter(ctx, rdb, opts.DLQKey, raw, err, onDeadLetter, log)
			continue
		}

		rc, err := engine.Settle(ctx, &req)
		if err != nil && rc == nil && !isProtocolError(err) {
			log.Error("settler: settle failed, requeueing", zap.String("nonce", req.Authorization.Nonce.String()), zap.Error(err))
			_ = rdb.LPush(ctx, opts.QueueKey, raw)
			return false
		}
		handleOutcome(ctx, rdb, opts.DLQKey, raw, &req, rc, err, onDeadLetter, log)
	}
	return true
}

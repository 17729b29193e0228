package settler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/settlement"
)

// Default Redis keys.
const (
	DefaultQueueKey = "xusdc:settle:queue"
	DefaultDLQKey   = "xusdc:settle:dlq"
	resultKeyFmt    = "xusdc:settle:result:%s" // nonce (0x-hex)
)

// resultTTL bounds how long a settled or rejected outcome stays queryable.
const resultTTL = 7 * 24 * time.Hour

// Status of a queued request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
)

// Result is the recorded outcome of a queued request.
type Result struct {
	Status  Status              `json:"status"`
	Code    string              `json:"code,omitempty"`
	Error   string              `json:"error,omitempty"`
	Receipt *settlement.Receipt `json:"receipt,omitempty"`
}

// DeadLetter is what lands in the DLQ for a rejected request.
type DeadLetter struct {
	Request  json.RawMessage `json:"request"`
	Code     string          `json:"code"`
	Error    string          `json:"error"`
	FailedAt int64           `json:"failed_at"`
}

func resultKey(n authorization.Nonce) string {
	return fmt.Sprintf(resultKeyFmt, n)
}

// Enqueue appends req to the queue and marks it pending. A nonce that is
// pending or committed is not queued again; one whose queued request was
// rejected may be, so a bogus submission cannot lock out the real one.
func Enqueue(ctx context.Context, rdb *redis.Client, queueKey string, req *authorization.SettleRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal settle request: %w", err)
	}
	pending, _ := json.Marshal(Result{Status: StatusPending})
	key := resultKey(req.Authorization.Nonce)

	err = rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("read result: %w", err)
		default:
			var r Result
			if err := json.Unmarshal(cur, &r); err != nil || !requeueable(r) {
				return ErrDuplicate
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, pending, resultTTL)
			pipe.RPush(ctx, queueKey, raw)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// a concurrent Enqueue for the same nonce won
		return ErrDuplicate
	}
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return fmt.Errorf("enqueue: %w", err)
	}
	return err
}

// requeueable reports whether a recorded outcome leaves the nonce unspent.
func requeueable(r Result) bool {
	return r.Status == StatusRejected && r.Code != "" && r.Code != errcode.NonceAlreadyUsed.Code
}

// ErrDuplicate is returned by Enqueue for a nonce already queued or settled.
var ErrDuplicate = errors.New("settler: nonce already queued")

// Lookup returns the recorded outcome for nonce, or redis.Nil if unknown.
func Lookup(ctx context.Context, rdb *redis.Client, n authorization.Nonce) (*Result, error) {
	raw, err := rdb.Get(ctx, resultKey(n)).Bytes()
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}

func storeResult(ctx context.Context, rdb *redis.Client, n authorization.Nonce, r Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, resultKey(n), raw, resultTTL).Err()
}

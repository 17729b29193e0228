package settler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/settlement"
)

func isProtocolError(err error) bool {
	_, ok := errcode.Of(err)
	return ok
}

// handleOutcome records the result of one settled or rejected request.
func handleOutcome(
	ctx context.Context,
	rdb *redis.Client,
	dlqKey string,
	raw string,
	req *authorization.SettleRequest,
	rc *settlement.Receipt,
	settleErr error,
	onDeadLetter func(code string),
	log *zap.Logger,
) {
	n := req.Authorization.Nonce
	// A receipt means the settlement committed, even if signing it failed.
	if settleErr == nil || rc != nil {
		res := Result{Status: StatusCommitted, Receipt: rc}
		if settleErr != nil {
			res.Error = settleErr.Error()
		}
		if err := storeResult(ctx, rdb, n, res); err != nil {
			log.Warn("settler: store result", zap.String("nonce", n.String()), zap.Error(err))
		}
		log.Info("queued payment settled",
			zap.String("nonce", n.String()),
			zap.String("from", req.Authorization.From.String()),
			zap.Uint64("amount", req.Authorization.Amount),
		)
		return
	}

	code := errcode.Code(settleErr)
	switch code {
	case errcode.NonceAlreadyUsed.Code:
		// Replays are expected when a facilitator resubmits; nothing to inspect.
		log.Warn("queued payment discarded: nonce already used", zap.String("nonce", n.String()))
		if err := storeResult(ctx, rdb, n, Result{Status: StatusRejected, Code: code, Error: settleErr.Error()}); err != nil {
			log.Warn("settler: store result", zap.String("nonce", n.String()), zap.Error(err))
		}
	default:
		// 1. Persist first (crash-safe)
		if err := storeResult(ctx, rdb, n, Result{Status: StatusRejected, Code: code, Error: settleErr.Error()}); err != nil {
			log.Warn("settler: store result", zap.String("nonce", n.String()), zap.Error(err))
		}
		// 2. Dead-letter for inspection
		deadLetter(ctx, rdb, dlqKey, raw, settleErr, onDeadLetter, log)
	}
}

func deadLetter(ctx context.Context, rdb *redis.Client, dlqKey, raw string, cause error, onDeadLetter func(code string), log *zap.Logger) {
	code := errcode.Code(cause)
	request := json.RawMessage(raw)
	if !json.Valid(request) {
		request, _ = json.Marshal(raw)
	}
	entry, _ := json.Marshal(DeadLetter{
		Request:  request,
		Code:     code,
		Error:    cause.Error(),
		FailedAt: time.Now().Unix(),
	})
	rdb.RPush(ctx, dlqKey, string(entry))
	if onDeadLetter != nil {
		onDeadLetter(code)
	}
	log.Error("queued payment rejected",
		zap.String("code", code),
		zap.Error(cause),
	)
}

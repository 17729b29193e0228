// Package gc reclaims the rent escrowed by expired nonce records.
//
// Collect is all-or-nothing: every candidate is validated and destroyed in
// order inside one store transaction, and the first failure aborts the batch.
// The sweeper finds expired records on its own and feeds them to Collect.
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/metrics"
	"github.com/0gfoundation/xusdc-facilitator/internal/nonce"
	"github.com/0gfoundation/xusdc-facilitator/internal/rentpool"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
)

// ErrEmptyBatch is returned by Collect when called without candidates.
var ErrEmptyBatch = errors.New("gc: no nonces to collect")

// Result summarizes a committed batch.
type Result struct {
	Collected []authorization.Nonce `json:"collected"`
	Reclaimed uint64                `json:"reclaimed"`
	Surplus   uint64                `json:"surplus,omitempty"`
}

// Collector runs garbage collection batches.
type Collector struct {
	store   store.Store
	nonces  *nonce.Registry
	pool    *rentpool.Ledger
	now     func() time.Time
	metrics *metrics.Metrics
	log     *zap.Logger
}

type Option func(*Collector)

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

func New(s store.Store, nonces *nonce.Registry, pool *rentpool.Ledger, log *zap.Logger, opts ...Option) *Collector {
	c := &Collector{store: s, nonces: nonces, pool: pool, now: time.Now, log: log}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Collect destroys every candidate record and credits its escrow back to the
// rent pool. Candidates are processed in the order given; listing a nonce
// twice fails the batch with NonceDoesNotExist.
func (c *Collector) Collect(ctx context.Context, candidates ...authorization.Nonce) (*Result, error) {
	if len(candidates) == 0 {
		return nil, ErrEmptyBatch
	}
	now := c.now().Unix()

	var (
		res  *Result
		pool *rentpool.Pool
	)
	err := c.store.Update(ctx, func(txn store.Txn) error {
		res = &Result{Collected: make([]authorization.Nonce, 0, len(candidates))}
		for i, n := range candidates {
			rc, err := c.nonces.GarbageCollect(txn, n, now)
			if err != nil {
				return fmt.Errorf("candidate %d (%s): %w", i, n, err)
			}
			if err := c.pool.CreditReclaim(txn, rc.Address, rc.Amount, rc.Surplus); err != nil {
				return fmt.Errorf("candidate %d (%s): credit reclaim: %w", i, n, err)
			}
			res.Collected = append(res.Collected, n)
			res.Reclaimed += rc.Amount
			res.Surplus += rc.Surplus
		}
		var err error
		pool, err = c.pool.Pool(txn)
		return err
	})
	if err != nil {
		c.metrics.ObserveCollectionFailure(errcode.Code(err))
		return nil, err
	}
	c.metrics.ObserveCollection(len(res.Collected), res.Reclaimed)
	c.metrics.SetRentPool(pool.Free, pool.Escrowed)
	c.log.Info("nonce records collected",
		zap.Int("count", len(res.Collected)),
		zap.Uint64("reclaimed", res.Reclaimed),
		zap.Uint64("surplus", res.Surplus),
	)
	return res, nil
}

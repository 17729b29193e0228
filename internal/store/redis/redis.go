// Package redis is a store.Store on Redis using optimistic transactions:
// every key a unit reads is WATCHed, writes are buffered and flushed in a
// single MULTI/EXEC. If any watched key changed, EXEC aborts and the unit is
// re-executed.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/store"
)

const scanCount = 100

// Store implements store.Store on a Redis client it does not own.
type Store struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
	mu     sync.RWMutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// New wraps rdb. keyPrefix is prepended to every key, e.g. "xusdc:".
func New(rdb *redis.Client, keyPrefix string, log *zap.Logger) *Store {
	return &Store{rdb: rdb, prefix: keyPrefix, log: log}
}

func (s *Store) key(k string) string { return s.prefix + k }

type write struct {
	value   []byte
	deleted bool
}

type txn struct {
	ctx      context.Context
	tx       *redis.Tx
	s        *Store
	writes   map[string]write
	order    []string
	readOnly bool
}

func (t *txn) Get(key string) ([]byte, error) {
	if w, ok := t.writes[key]; ok {
		if w.deleted {
			return nil, store.ErrNotFound
		}
		return append([]byte{}, w.value...), nil
	}
	full := t.s.key(key)
	if !t.readOnly {
		if err := t.tx.Watch(t.ctx, full).Err(); err != nil {
			return nil, fmt.Errorf("watch %s: %w", key, err)
		}
	}
	v, err := t.tx.Get(t.ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (t *txn) stage(key string, w write) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, seen := t.writes[key]; !seen {
		t.order = append(t.order, key)
	}
	t.writes[key] = w
	return nil
}

func (t *txn) Set(key string, value []byte) error {
	return t.stage(key, write{value: append([]byte{}, value...)})
}

func (t *txn) Delete(key string) error {
	return t.stage(key, write{deleted: true})
}

func (t *txn) commit() error {
	if len(t.order) == 0 {
		return nil
	}
	_, err := t.tx.TxPipelined(t.ctx, func(pipe redis.Pipeliner) error {
		for _, k := range t.order {
			w := t.writes[k]
			if w.deleted {
				pipe.Del(t.ctx, t.s.key(k))
				continue
			}
			pipe.Set(t.ctx, t.s.key(k), w.value, 0)
		}
		return nil
	})
	return err
}

func (s *Store) Update(ctx context.Context, fn func(store.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	for attempt := 1; attempt <= store.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			t := &txn{ctx: ctx, tx: tx, s: s, writes: make(map[string]write)}
			if err := fn(t); err != nil {
				return err
			}
			return t.commit()
		})
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("redis watch conflict, re-executing unit", zap.Int("attempt", attempt))
			continue
		}
		return err
	}
	return store.ErrConflict
}

func (s *Store) View(ctx context.Context, fn func(store.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		return fn(&txn{ctx: ctx, tx: tx, s: s, writes: make(map[string]write), readOnly: true})
	})
}

// Scan walks keys with SCAN MATCH; order is unspecified.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.key(prefix)+"*", scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		for _, full := range keys {
			v, err := s.rdb.Get(ctx, full).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // deleted between SCAN and GET
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", full, err)
			}
			if err := fn(full[len(s.prefix):], v); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return s.rdb.Ping(ctx).Err()
}

// Close marks the store closed. The Redis client is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

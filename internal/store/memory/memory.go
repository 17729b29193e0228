// Package memory is an in-process store.Store. Units are serialized by a
// single mutex and writes are staged until the unit returns nil.
//
// Intended for tests and local development; all data is lost on exit.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/0gfoundation/xusdc-facilitator/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

type txn struct {
	base     map[string][]byte
	staged   map[string][]byte // nil value means deleted
	readOnly bool
}

func (t *txn) Get(key string) ([]byte, error) {
	if v, ok := t.staged[key]; ok {
		if v == nil {
			return nil, store.ErrNotFound
		}
		return append([]byte{}, v...), nil
	}
	v, ok := t.base[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (t *txn) Set(key string, value []byte) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.staged[key] = append([]byte{}, value...)
	return nil
}

func (t *txn) Delete(key string) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.staged[key] = nil
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	t := &txn{base: s.data, staged: make(map[string][]byte)}
	if err := fn(t); err != nil {
		return err
	}
	for k, v := range t.staged {
		if v == nil {
			delete(s.data, k)
			continue
		}
		s.data[k] = v
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return fn(&txn{base: s.data, staged: map[string][]byte{}, readOnly: true})
}

func (s *Store) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	keys := make([]string, 0)
	values := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			values[k] = append([]byte{}, v...)
		}
	}
	s.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Package badger is a durable store.Store on an embedded Badger database.
// Badger transactions are serializable snapshot isolation: a unit whose read
// set was written by a concurrently committed unit fails with ErrConflict and
// is re-executed here against the new state.
package badger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/store"
)

const (
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
	gcInterval           = 5 * time.Minute
)

// Store implements store.Store on Badger.
type Store struct {
	db       *badgerdb.DB
	log      *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a database at dataPath with synchronous writes and
// starts background value-log GC.
func Open(dataPath string, log *zap.Logger) (*Store, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("resolve badger path: %w", err)
	}
	opts := badgerdb.DefaultOptions(absPath)
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1
	return open(opts, log)
}

// OpenInMemory opens a non-persistent database; used by tests.
func OpenInMemory(log *zap.Logger) (*Store, error) {
	return open(badgerdb.DefaultOptions("").WithInMemory(true), log)
}

func open(opts badgerdb.Options, log *zap.Logger) (*Store, error) {
	opts.Logger = &loggerAdapter{log: log}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Dir, err)
	}
	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if !opts.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		s.gcCancel = cancel
		s.gcWg.Add(1)
		go s.runGC(ctx)
	}
	log.Info("badger store opened", zap.String("path", opts.Dir), zap.Bool("in_memory", opts.InMemory))
	return s, nil
}

func (s *Store) initSchema() error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read schema version value: %w", err)
		}
		if string(v) != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version %s (expected %s)", v, currentSchemaVersion)
		}
		return nil
	})
}

func (s *Store) runGC(ctx context.Context) {
	defer s.gcWg.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				s.log.Warn("badger value log gc", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

type txn struct {
	txn *badgerdb.Txn
}

func (t *txn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *txn) Set(key string, value []byte) error {
	err := t.txn.Set([]byte(key), value)
	if errors.Is(err, badgerdb.ErrReadOnlyTxn) {
		return store.ErrReadOnly
	}
	return err
}

func (t *txn) Delete(key string) error {
	err := t.txn.Delete([]byte(key))
	if errors.Is(err, badgerdb.ErrReadOnlyTxn) {
		return store.ErrReadOnly
	}
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
		err := s.db.Update(func(bt *badgerdb.Txn) error {
			return fn(&txn{txn: bt})
		})
		if errors.Is(err, badgerdb.ErrConflict) {
			s.log.Debug("badger conflict, re-executing unit", zap.Int("attempt", attempt))
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
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(bt *badgerdb.Txn) error {
		return fn(&txn{txn: bt})
	})
}

func (s *Store) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	p := []byte(prefix)
	return s.db.View(func(bt *badgerdb.Txn) error {
		it := bt.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return s.db.View(func(bt *badgerdb.Txn) error {
		_, err := bt.Get([]byte(keySchemaVersion))
		return err
	})
}

// Close stops background GC and closes the database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gcCancel != nil {
		s.gcCancel()
		s.gcWg.Wait()
	}
	return s.db.Close()
}

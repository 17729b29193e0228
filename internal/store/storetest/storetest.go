// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0gfoundation/xusdc-facilitator/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SetGetDelete", func(t *testing.T) { testSetGetDelete(t, newStore(t)) })
	t.Run("AbortDiscardsWrites", func(t *testing.T) { testAbort(t, newStore(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, newStore(t)) })
	t.Run("ViewIsReadOnly", func(t *testing.T) { testViewReadOnly(t, newStore(t)) })
	t.Run("ScanPrefix", func(t *testing.T) { testScan(t, newStore(t)) })
	t.Run("NoLostUpdates", func(t *testing.T) { testNoLostUpdates(t, newStore(t)) })
	t.Run("InsertOnceUnderContention", func(t *testing.T) { testInsertOnce(t, newStore(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newStore(t)) })
}

func testSetGetDelete(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(txn store.Txn) error {
		return txn.Set("a:1", []byte("one"))
	}))
	require.NoError(t, s.View(ctx, func(txn store.Txn) error {
		v, err := txn.Get("a:1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v)
		ok, err := store.Exists(txn, "a:2")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
	require.NoError(t, s.Update(ctx, func(txn store.Txn) error {
		return txn.Delete("a:1")
	}))
	require.NoError(t, s.View(ctx, func(txn store.Txn) error {
		_, err := txn.Get("a:1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testAbort(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, s.Update(ctx, func(txn store.Txn) error {
		return txn.Set("k", []byte("before"))
	}))
	err := s.Update(ctx, func(txn store.Txn) error {
		if err := txn.Set("k", []byte("after")); err != nil {
			return err
		}
		if err := txn.Set("other", []byte("x")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(txn store.Txn) error {
		v, err := txn.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("before"), v, "aborted unit must leave no writes")
		_, err = txn.Get("other")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testReadYourWrites(t *testing.T, s store.Store) {
	defer s.Close()
	require.NoError(t, s.Update(context.Background(), func(txn store.Txn) error {
		require.NoError(t, txn.Set("k", []byte("v1")))
		v, err := txn.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)
		require.NoError(t, txn.Delete("k"))
		_, err = txn.Get("k")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testViewReadOnly(t *testing.T, s store.Store) {
	defer s.Close()
	err := s.View(context.Background(), func(txn store.Txn) error {
		return txn.Set("k", []byte("v"))
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func testScan(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(txn store.Txn) error {
		for _, k := range []string{"nonce:b", "nonce:a", "token:a", "nonce-hold:a"} {
			if err := txn.Set(k, []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	seen := map[string]string{}
	require.NoError(t, s.Scan(ctx, "nonce:", func(k string, v []byte) error {
		seen[k] = string(v)
		return nil
	}))
	assert.Equal(t, map[string]string{"nonce:a": "nonce:a", "nonce:b": "nonce:b"}, seen)
}

// testNoLostUpdates hammers one counter from many goroutines. Units may give
// up with ErrConflict, but every unit that reported success must be counted.
func testNoLostUpdates(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	const workers = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, func(txn store.Txn) error {
				var n uint64
				v, err := txn.Get("counter")
				switch {
				case errors.Is(err, store.ErrNotFound):
				case err != nil:
					return err
				default:
					n = binary.LittleEndian.Uint64(v)
				}
				buf := make([]byte, 8)
				binary.LittleEndian.PutUint64(buf, n+1)
				return txn.Set("counter", buf)
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrConflict)
		}()
	}
	wg.Wait()

	require.NoError(t, s.View(ctx, func(txn store.Txn) error {
		v, err := txn.Get("counter")
		require.NoError(t, err)
		assert.Equal(t, uint64(succeeded), binary.LittleEndian.Uint64(v))
		return nil
	}))
	assert.Positive(t, succeeded)
}

// testInsertOnce races check-then-insert on one key: exactly one unit may
// observe the key absent and create it.
func testInsertOnce(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	errTaken := errors.New("taken")
	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Update(ctx, func(txn store.Txn) error {
				ok, err := store.Exists(txn, "once")
				if err != nil {
					return err
				}
				if ok {
					return errTaken
				}
				return txn.Set("once", []byte{byte(i)})
			})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func testClosed(t *testing.T, s store.Store) {
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")
	err := s.Update(context.Background(), func(store.Txn) error { return nil })
	assert.ErrorIs(t, err, store.ErrClosed)
}

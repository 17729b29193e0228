package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	"github.com/0gfoundation/xusdc-facilitator/internal/store/storetest"
)

func TestBadgerStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := OpenInMemory(zap.NewNop())
		require.NoError(t, err)
		return s
	})
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(txn store.Txn) error {
		return txn.Set("rent-pool:x", []byte("42"))
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.HealthCheck(ctx))
	require.NoError(t, reopened.View(ctx, func(txn store.Txn) error {
		v, err := txn.Get("rent-pool:x")
		require.NoError(t, err)
		assert.Equal(t, []byte("42"), v)
		return nil
	}))
}

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.GetItem(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetItem(ctx, "recentConnectorId", "injected"))
	v, ok, err := s.GetItem(ctx, "recentConnectorId")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "injected", v)

	require.NoError(t, s.SetItem(ctx, "recentConnectorId", "mock"))
	v, _, err = s.GetItem(ctx, "recentConnectorId")
	require.NoError(t, err)
	assert.Equal(t, "mock", v)

	require.NoError(t, s.RemoveItem(ctx, "recentConnectorId"))
	_, ok, err = s.GetItem(ctx, "recentConnectorId")
	require.NoError(t, err)
	assert.False(t, ok)

	// removing an absent key is not an error
	require.NoError(t, s.RemoveItem(ctx, "recentConnectorId"))
}

func TestMemory(t *testing.T) {
	t.Parallel()
	exerciseStorage(t, NewMemory())
}

func TestSQLite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "wallet.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	exerciseStorage(t, s)

	require.NoError(t, s.SetItem(context.Background(), "walletsync.store", `{"chainId":10}`))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()
	v, ok, err := reopened.GetItem(context.Background(), "walletsync.store")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"chainId":10}`, v)
}

func TestNamespaced(t *testing.T) {
	t.Parallel()

	backend := NewMemory()
	ns := NewNamespaced("", backend)
	exerciseStorage(t, ns)

	require.NoError(t, ns.SetItem(context.Background(), "injected.connected", "true"))
	assert.Equal(t, []string{"walletsync.injected.connected"}, backend.Keys())
}

func TestNoop(t *testing.T) {
	t.Parallel()

	s := NewNoop()
	require.NoError(t, s.SetItem(context.Background(), "k", "v"))
	_, ok, err := s.GetItem(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

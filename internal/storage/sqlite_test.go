package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structboard/orchestra/internal/storage"
)

func TestSQLiteStore(t *testing.T) {
	store, err := storage.NewSQLite(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	require.NoError(t, store.Ping(context.Background()))
	runStoreSuite(t, store)
}

func TestSQLiteStore_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestra.db")

	store, err := storage.NewSQLite(context.Background(), path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	assert.NoError(t, store.Ping(context.Background()))
}

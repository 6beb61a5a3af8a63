package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mousecolony/internal/infra/persistence/memory"
	"mousecolony/internal/infra/persistence/sqlite"
)

func TestOpenPersistentStore(t *testing.T) {
	mem, err := OpenPersistentStore(StorageConfig{Driver: StorageMemory}, nil)
	require.NoError(t, err)
	_, ok := mem.(*memory.Store)
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "nested", "colony.db")
	store, err := OpenPersistentStore(StorageConfig{SQLitePath: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	lite, ok := store.(*sqlite.Store)
	require.True(t, ok, "sqlite is the default driver")
	assert.Equal(t, path, lite.Path())

	_, err = OpenPersistentStore(StorageConfig{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver oracle")

	_, err = OpenPersistentStore(StorageConfig{
		Driver:      StoragePostgres,
		PostgresDSN: "postgres://colony@127.0.0.1:1/colony?sslmode=disable&connect_timeout=1",
	}, nil)
	require.Error(t, err)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colony.db")
	ctx := context.Background()

	store, err := OpenPersistentStore(StorageConfig{Driver: StorageSQLite, SQLitePath: path}, nil)
	require.NoError(t, err)
	svc := NewService(store, fixedClock())
	mustStrain(t, svc, "B6")
	mustAnimal(t, svc, "B6", "F")
	require.NoError(t, svc.Close())

	store, err = OpenPersistentStore(StorageConfig{Driver: StorageSQLite, SQLitePath: path}, nil)
	require.NoError(t, err)
	svc = NewService(store, fixedClock())
	t.Cleanup(func() { _ = svc.Close() })

	next := mustAnimal(t, svc, "B6", "M")
	assert.Equal(t, "B6-2", next.Identifier, "the strain counter is durable")
	got, err := svc.GetAnimal(ctx, "B6-1")
	require.NoError(t, err)
	assert.Equal(t, Sex("F"), got.Sex)
}

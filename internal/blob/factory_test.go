package blob

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()

	fsStore, err := Open(ctx, Config{FSRoot: filepath.Join(t.TempDir(), "exports")})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, fsStore.Driver())

	mem, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, mem.Driver())

	s3Store, err := Open(ctx, Config{Driver: DriverS3, S3: S3Config{Bucket: "b", Region: "eu-west-1"}})
	require.NoError(t, err)
	assert.Equal(t, DriverS3, s3Store.Driver())
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{Driver: "gcs"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown blob driver")

	_, err = Open(ctx, Config{Driver: DriverS3})
	require.Error(t, err)
}

func TestStoresShareSentinels(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Store{"memory": NewMemory()}
	fsStore, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	stores["fs"] = fsStore

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := store.Put(ctx, "k.csv", strings.NewReader("v"), PutOptions{})
			require.NoError(t, err)
			_, err = store.Put(ctx, "k.csv", strings.NewReader("v"), PutOptions{})
			assert.ErrorIs(t, err, ErrExists)
			_, err = store.Head(ctx, "nope.csv")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mousecolony/internal/blob/core"
)

func TestStorePutGetHeadDelete(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.Equal(t, core.DriverMemory, store.Driver())

	info, err := store.Put(ctx, "exports/a.csv", strings.NewReader("id\n"), core.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"rows": "0"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.NotEmpty(t, info.ETag)

	head, err := store.Head(ctx, "exports/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", head.ContentType)
	assert.Equal(t, "0", head.Metadata["rows"])

	got, rc, err := store.Get(ctx, "exports/a.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "id\n", string(body))
	assert.Equal(t, info.ETag, got.ETag)

	ok, err := store.Delete(ctx, "exports/a.csv")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Delete(ctx, "exports/a.csv")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Head(ctx, "exports/a.csv")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, _, err = store.Get(ctx, "exports/a.csv")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStorePutIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	store := New()
	_, err := store.Put(ctx, "k", strings.NewReader("v1"), core.PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, "k", strings.NewReader("v2"), core.PutOptions{})
	require.ErrorIs(t, err, core.ErrExists)

	_, rc, err := store.Get(ctx, "k")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "v1", string(body))
}

func TestStoreConcurrentPutSameKey(t *testing.T) {
	ctx := context.Background()
	store := New()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Put(ctx, "race", strings.NewReader("x"), core.PutOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	var ok, exists int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, core.ErrExists):
			exists++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, exists)
}

func TestStoreListAndMetadataIsolation(t *testing.T) {
	ctx := context.Background()
	store := New()
	md := map[string]string{"k": "v"}
	for _, key := range []string{"b/2", "a/1", "b/1"} {
		_, err := store.Put(ctx, key, strings.NewReader(key), core.PutOptions{Metadata: md})
		require.NoError(t, err)
	}
	md["k"] = "changed"

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a/1", "b/1", "b/2"}, []string{all[0].Key, all[1].Key, all[2].Key})
	assert.Equal(t, "v", all[0].Metadata["k"])

	bs, err := store.List(ctx, "b/")
	require.NoError(t, err)
	assert.Len(t, bs, 2)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStoreRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	store := New()
	_, err := store.Put(ctx, "../x", strings.NewReader(""), core.PutOptions{})
	assert.Error(t, err)
	_, err = store.Put(ctx, "bad", failingReader{}, core.PutOptions{})
	assert.Error(t, err)
	_, err = store.PresignURL(ctx, "k", 0)
	assert.ErrorIs(t, err, core.ErrUnsupported)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Put(cancelled, "k", strings.NewReader("v"), core.PutOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

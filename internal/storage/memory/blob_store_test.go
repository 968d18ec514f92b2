package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/seoscope/internal/storage"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewBlobStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	payload := []byte("<html><title>x</title></html>")
	require.NoError(t, store.Put(ctx, "k1", "text/html", payload))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Returned slice is a copy; mutating it must not affect the store.
	got[0] = '!'
	again, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, payload, again)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)

	require.NoError(t, store.Delete(ctx, "k1"))
	_, err = store.Get(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting again is not an error.
	assert.NoError(t, store.Delete(ctx, "k1"))
}

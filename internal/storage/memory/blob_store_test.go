package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "listings/ab/abc.jpg", "image/jpeg", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://listings/ab/abc.jpg", uri)

	payload[0] = 'C'
	got, contentType, ok := store.Get("listings/ab/abc.jpg")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, "image/jpeg", contentType)

	got[0] = 'X'
	again, _, _ := store.Get("listings/ab/abc.jpg")
	require.Equal(t, "content", string(again))
}

func TestBlobStoreCountsOverwrites(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.PutObject(ctx, "k", "", bytes.NewReader([]byte{byte(i)}))
		require.NoError(t, err)
	}
	_, err := store.PutObject(ctx, "a", "", bytes.NewReader(nil))
	require.NoError(t, err)

	require.Equal(t, 4, store.Puts())
	require.Equal(t, []string{"a", "k"}, store.Keys())
	_, _, ok := store.Get("missing")
	require.False(t, ok)
}

func TestBlobStoreGetObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "k.png", "image/png", bytes.NewReader([]byte("png")))
	require.NoError(t, err)

	data, contentType, err := store.GetObject(context.Background(), "k.png")
	require.NoError(t, err)
	require.Equal(t, "png", string(data))
	require.Equal(t, "image/png", contentType)

	_, _, err = store.GetObject(context.Background(), "nope.png")
	require.ErrorIs(t, err, listing.ErrObjectNotFound)
}

package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSPutGet(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("a texture payload")
	hash, err := fs.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Hash(data), hash)

	got, err := fs.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFSPutIdempotent(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	h1, err := fs.Put(ctx, []byte("same"))
	require.NoError(t, err)
	h2, err := fs.Put(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestFSGetMissing(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(context.Background(), Hash([]byte("never stored")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSPutTooLarge(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Put(context.Background(), make([]byte, MaxBlobSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

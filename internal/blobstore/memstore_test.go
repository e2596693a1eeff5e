package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_PutGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "submissions/42/source", []byte("print(1)")))

	got, err := s.Get(ctx, "submissions/42/source")
	require.NoError(t, err)
	assert.Equal(t, []byte("print(1)"), got)
}

func TestMemStore_NotFound(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_PutOverwrites(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("a")))
	require.NoError(t, s.Put(ctx, "k", []byte("b")))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

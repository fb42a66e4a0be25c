package session

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSealedStore(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "session/a", []byte("secret")))
	got, err := s.Get(ctx, "session/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	s.mu.RLock()
	blob := s.blobs["session/a"]
	s.mu.RUnlock()
	assert.NotContains(t, string(blob), "secret")

	require.NoError(t, s.Delete(ctx, "session/a"))
	_, err = s.Get(ctx, "session/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSealedStoreRejectsTampering(t *testing.T) {
	ctx := context.Background()
	s, err := NewSealedStore(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "session/a", []byte("secret")))

	s.mu.Lock()
	blob := append([]byte(nil), s.blobs["session/a"]...)
	blob[len(blob)-1] ^= 0xff
	s.blobs["session/a"] = blob
	s.mu.Unlock()
	_, err = s.Get(ctx, "session/a")
	assert.Error(t, err)
}

func TestSealedStoreBindsKey(t *testing.T) {
	ctx := context.Background()
	s, err := NewSealedStore(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "session/a", []byte("secret")))

	s.mu.Lock()
	s.blobs["session/b"] = s.blobs["session/a"]
	s.mu.Unlock()
	_, err = s.Get(ctx, "session/b")
	assert.Error(t, err)
}

func TestSealedStoreFreshNonce(t *testing.T) {
	ctx := context.Background()
	s, err := NewSealedStore(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	first := append([]byte(nil), s.blobs["k"]...)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	assert.NotEqual(t, first, s.blobs["k"])
}

func TestSealedStoreKeySize(t *testing.T) {
	_, err := NewSealedStore([]byte("short"))
	assert.ErrorIs(t, err, ErrSealKey)
}

func TestSealedStoreKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewSealedStore(make([]byte, 32))
	require.NoError(t, err)
	for _, k := range []string{"user/b", "session/2", "session/1"} {
		require.NoError(t, s.Put(ctx, k, []byte("x")))
	}
	keys, err := s.Keys(ctx, "session/")
	require.NoError(t, err)
	assert.Equal(t, []string{"session/1", "session/2"}, keys)
}

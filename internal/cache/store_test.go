package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir()+"/cache.bolt", Options{MaxItems: 3, DefaultTTL: time.Minute, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, EpisodeKey("e1"), []byte("payload"), time.Minute))

	val, ok, err := s.Get(ctx, EpisodeKey("e1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(val))
}

func TestStore_GetMissReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, EpisodeKey("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ExpiredEntryIsTreatedAsMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, EpisodeKey("e1"), []byte("payload"), time.Nanosecond))
	time.Sleep(time.Millisecond)

	_, ok, err := s.Get(ctx, EpisodeKey("e1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, PatternKey("p1"), []byte("x"), time.Minute))
	require.NoError(t, s.Delete(ctx, PatternKey("p1")))

	_, ok, err := s.Get(ctx, PatternKey("p1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ListPrefixReturnsOnlyMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, ContextIndexKey("backend", "go", "refactoring"), []byte("[\"e1\"]"), time.Minute))
	require.NoError(t, s.Set(ctx, ContextIndexKey("backend", "go", "testing"), []byte("[\"e2\"]"), time.Minute))
	require.NoError(t, s.Set(ctx, EpisodeKey("e1"), []byte("x"), time.Minute))

	keys, err := s.ListPrefix(ctx, prefixCtxIdx+"backend/go/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestStore_EvictsOldestWhenOverCapacity(t *testing.T) {
	s := newTestStore(t) // MaxItems: 3
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Set(ctx, EpisodeKey(string(rune('a'+i))), []byte("x"), time.Minute))
	}

	_, ok, err := s.Get(ctx, EpisodeKey("a"))
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry should have been evicted once capacity was exceeded")
}

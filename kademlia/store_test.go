package kademlia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageSetGetRoundTrip(t *testing.T) {
	s := NewStorage(time.Hour)
	s.Set("k", []byte("v"))

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestStorageGetMissingKey(t *testing.T) {
	s := NewStorage(time.Hour)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestStorageLastWriterWins(t *testing.T) {
	s := NewStorage(time.Hour)
	s.Set("k", []byte("first"))
	s.Set("k", []byte("second"))

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("second"), v)
}

func TestStorageGetExpiresLazily(t *testing.T) {
	tp := &fakeTimeProvider{now: time.Unix(0, 0)}
	s := NewStorageWithTimeProvider(time.Minute, tp)
	s.Set("k", []byte("v"))

	tp.now = time.Unix(int64((2 * time.Minute).Seconds()), 0)

	_, ok := s.Get("k")
	assert.False(t, ok, "expired entries must not be returned even before Cull runs")
}

func TestStorageZeroTTLNeverExpires(t *testing.T) {
	tp := &fakeTimeProvider{now: time.Unix(0, 0)}
	s := NewStorageWithTimeProvider(0, tp)
	s.Set("k", []byte("v"))

	tp.now = time.Unix(int64((100 * time.Hour).Seconds()), 0)

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, 0, s.Cull())
}

func TestStorageCullRemovesOnlyExpired(t *testing.T) {
	tp := &fakeTimeProvider{now: time.Unix(0, 0)}
	s := NewStorageWithTimeProvider(time.Minute, tp)
	s.Set("old", []byte("v1"))

	tp.now = time.Unix(int64((30 * time.Second).Seconds()), 0)
	s.Set("fresh", []byte("v2"))

	tp.now = time.Unix(int64((90 * time.Second).Seconds()), 0)

	assert.Equal(t, 1, s.Cull())
	_, ok := s.Get("fresh")
	assert.True(t, ok)
}

func TestStorageItemsInsertionOrder(t *testing.T) {
	s := NewStorage(time.Hour)
	s.Set("c", []byte("3"))
	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))

	assert.Equal(t, []string{"c", "a", "b"}, s.Items())
}

func TestStorageItemsOlderThanExcludesRecent(t *testing.T) {
	tp := &fakeTimeProvider{now: time.Unix(0, 0)}
	s := NewStorageWithTimeProvider(time.Hour, tp)
	s.Set("old", []byte("v"))

	tp.now = time.Unix(int64((45 * time.Minute).Seconds()), 0)
	s.Set("new", []byte("v"))

	tp.now = time.Unix(int64((50 * time.Minute).Seconds()), 0)

	stale := s.ItemsOlderThan(30 * time.Minute)
	assert.Equal(t, []string{"old"}, stale)
}

func TestStorageItemsOlderThanSkipsExpired(t *testing.T) {
	tp := &fakeTimeProvider{now: time.Unix(0, 0)}
	s := NewStorageWithTimeProvider(time.Minute, tp)
	s.Set("expired", []byte("v"))

	tp.now = time.Unix(int64((10 * time.Minute).Seconds()), 0)

	stale := s.ItemsOlderThan(time.Second)
	assert.Empty(t, stale, "an expired entry is not a republish candidate")
}

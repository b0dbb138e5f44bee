package reports

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phd-nexus/nexus/internal/annotation"
)

func TestLayoutCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewLayoutCache(client, time.Minute)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := LayoutEntry{
		ReportID:   9,
		Snapshot:   snapshot(map[string]float64{"x": 120}),
		Result:     annotation.LayoutResult{"a": {Offset: 20, Visible: true}},
		ComputedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, cache.Put(ctx, entry))
	assert.True(t, mr.Exists("nexus:layout:9"))
	assert.Equal(t, time.Minute, mr.TTL("nexus:layout:9"))

	got, ok, err := cache.Get(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	require.NoError(t, cache.Delete(ctx, 9))
	_, ok, err = cache.Get(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLayoutCacheCorruptEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set("nexus:layout:1", "{not json"))

	_, _, err := NewLayoutCache(client, 0).Get(context.Background(), 1)
	assert.Error(t, err)
}

func TestNilLayoutCache(t *testing.T) {
	var cache *LayoutCache
	ctx := context.Background()
	_, ok, err := cache.Get(ctx, 1)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, cache.Put(ctx, LayoutEntry{ReportID: 1}))
	assert.NoError(t, cache.Delete(ctx, 1))
}

func TestLayoutCacheUpdateRerunsOnConcurrentWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewLayoutCache(client, time.Minute)
	ctx := context.Background()

	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)
	require.NoError(t, cache.Put(ctx, LayoutEntry{ReportID: 9, ComputedAt: older}))

	var seen []time.Time
	err := cache.Update(ctx, 9, func(cur LayoutEntry) (LayoutEntry, bool, error) {
		seen = append(seen, cur.ComputedAt)
		if len(seen) == 1 {
			// Another request stores a fresh layout mid-update.
			require.NoError(t, cache.Put(ctx, LayoutEntry{ReportID: 9, ComputedAt: newer}))
		}
		cur.Stale = true
		return cur, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{older, newer}, seen)

	got, ok, err := cache.Get(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer, got.ComputedAt)
	assert.True(t, got.Stale)
}

func TestLayoutCacheUpdateSkipsMissingEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewLayoutCache(client, time.Minute)

	err := cache.Update(context.Background(), 4, func(LayoutEntry) (LayoutEntry, bool, error) {
		t.Fatal("update ran without a cached entry")
		return LayoutEntry{}, false, nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("nexus:layout:4"))
}

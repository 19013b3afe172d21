package stockreport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheVersionedKeys(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	key, err := cache.BuildKey(ctx, "stockreport", "valuation", "all")
	require.NoError(t, err)
	require.Equal(t, "stockreport:valuation:all:v1", key)

	require.NoError(t, cache.Invalidate(ctx))
	key, err = cache.BuildKey(ctx, "stockreport", "valuation", "all")
	require.NoError(t, err)
	require.Equal(t, "stockreport:valuation:all:v2", key)
}

func TestFetchJSONCachesAndPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)
	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}

	var got map[string]int
	require.NoError(t, cache.FetchJSON(ctx, "k", &got, loader))
	require.NoError(t, cache.FetchJSON(ctx, "k", &got, loader))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, got["n"])
	require.True(t, mr.Exists("k"))

	boom := errors.New("boom")
	err := cache.FetchJSON(ctx, "other", &got, func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("other"))
}

func TestFetchJSONCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)
	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return []int{1, 2, 3}, nil
	}

	var wg sync.WaitGroup
	results := make([][]int, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = cache.FetchJSON(ctx, "hot", &results[i], loader)
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i, r := range results {
		require.NoError(t, errs[i])
		require.Equal(t, []int{1, 2, 3}, r)
	}
}

func TestNilCacheLoadsDirectly(t *testing.T) {
	var cache *Cache
	ctx := context.Background()
	key, err := cache.BuildKey(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, "a:b", key)

	var got string
	require.NoError(t, cache.FetchJSON(ctx, key, &got, func(context.Context) (any, error) { return "x", nil }))
	require.Equal(t, "x", got)
	require.NoError(t, cache.Invalidate(ctx))
}

func TestListenForInvalidationFollowsPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)
	local := NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	require.NoError(t, local.ListenForInvalidation(ctx, ""))

	ver, err := local.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)

	mr.Publish(bumpChannel, "7")
	require.Eventually(t, func() bool {
		v, err := local.Version(ctx)
		return err == nil && v == 7
	}, time.Second, 10*time.Millisecond)

	mr.Publish(bumpChannel, "3")
	time.Sleep(50 * time.Millisecond)
	v, err := local.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
}

package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/store/memory"
)

// fakeMap is an in-memory Map fake, letting the accelerator's cache-aside
// behavior be exercised without a live Redis instance.
type fakeMap struct {
	data map[string]string
	gets int
	sets int
}

func newFakeMap() *fakeMap { return &fakeMap{data: map[string]string{}} }

func (f *fakeMap) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	f.gets++
	v, ok := f.data[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeMap) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key)
	f.sets++
	f.data[key] = value.(string)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeMap) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "del")
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func TestGetCachedDataMissFallsThroughAndRepopulates(t *testing.T) {
	inner := memory.New()
	require.NoError(t, inner.SetCachedData(context.Background(), "instance/1", []byte("payload")))

	rdb := newFakeMap()
	s := New(inner, rdb, "test")

	data, err := s.GetCachedData(context.Background(), "instance/1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.Equal(t, 1, rdb.gets)
	require.Equal(t, 1, rdb.sets)

	// second read is served entirely from Redis: no extra Set.
	data, err = s.GetCachedData(context.Background(), "instance/1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.Equal(t, 2, rdb.gets)
	require.Equal(t, 1, rdb.sets)
}

func TestSetCachedDataWritesThroughToBothLayers(t *testing.T) {
	inner := memory.New()
	rdb := newFakeMap()
	s := New(inner, rdb, "test")

	require.NoError(t, s.SetCachedData(context.Background(), "instance/2", []byte("hello")))

	innerData, err := inner.GetCachedData(context.Background(), "instance/2")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), innerData)

	cached, err := s.GetCachedData(context.Background(), "instance/2")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), cached)
	require.Equal(t, 1, rdb.gets)
}

func TestGetCachedDataMissingEverywhereReturnsErr(t *testing.T) {
	inner := memory.New()
	rdb := newFakeMap()
	s := New(inner, rdb, "test")

	_, err := s.GetCachedData(context.Background(), "missing")
	require.Error(t, err)
}

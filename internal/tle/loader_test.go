package tle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type source struct {
	server *httptest.Server
	hits   atomic.Int32
	fail   atomic.Bool
}

func newSource(t *testing.T, body string) *source {
	t.Helper()
	s := &source{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if s.fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func TestLoaderUsesFreshCache(t *testing.T) {
	src := newSource(t, starlinkTLE)
	cache := NewCache(t.TempDir(), 3)
	cachedAt := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, cache.Write([]byte(issTLE), cachedAt))

	loader := NewLoader(testFetcher(src.server.URL), cache, 24*time.Hour, testLogger)
	ds, err := loader.Load(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int32(0), src.hits.Load())
	assert.Equal(t, "cache", ds.Source)
	assert.True(t, cachedAt.Equal(ds.FetchedAt))
	require.Len(t, ds.Entries, 1)
	assert.Equal(t, 25544, ds.Entries[0].NORADID)
}

func TestLoaderRefreshesExpiredCache(t *testing.T) {
	src := newSource(t, starlinkTLE)
	cache := NewCache(t.TempDir(), 3)
	require.NoError(t, cache.Write([]byte(issTLE), time.Now().Add(-48*time.Hour)))

	loader := NewLoader(testFetcher(src.server.URL), cache, 24*time.Hour, testLogger)
	ds, err := loader.Load(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int32(1), src.hits.Load())
	assert.Equal(t, src.server.URL, ds.Source)
	assert.Equal(t, 44713, ds.Entries[0].NORADID)

	data, _, err := cache.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, starlinkTLE, string(data), "download must be cached")
}

func TestLoaderForceBypassesFreshCache(t *testing.T) {
	src := newSource(t, starlinkTLE)
	cache := NewCache(t.TempDir(), 3)
	require.NoError(t, cache.Write([]byte(issTLE), time.Now().Add(-time.Minute)))

	loader := NewLoader(testFetcher(src.server.URL), cache, 24*time.Hour, testLogger)
	ds, err := loader.Load(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.hits.Load())
	assert.Equal(t, 44713, ds.Entries[0].NORADID)
}

func TestLoaderFallsBackToStaleCache(t *testing.T) {
	src := newSource(t, starlinkTLE)
	src.fail.Store(true)
	cache := NewCache(t.TempDir(), 3)
	require.NoError(t, cache.Write([]byte(issTLE), time.Now().Add(-72*time.Hour)))

	loader := NewLoader(testFetcher(src.server.URL), cache, 24*time.Hour, testLogger)
	ds, err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.hits.Load(), "5xx is retried once")
	assert.Equal(t, "cache", ds.Source)
	assert.Equal(t, 25544, ds.Entries[0].NORADID)
}

func TestLoaderDownloadsWhenFreshCacheIsEmpty(t *testing.T) {
	src := newSource(t, starlinkTLE)
	cache := NewCache(t.TempDir(), 3)
	require.NoError(t, cache.Write([]byte("not a tle\n"), time.Now().Add(-time.Minute)))

	loader := NewLoader(testFetcher(src.server.URL), cache, 24*time.Hour, testLogger)
	ds, err := loader.Load(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.hits.Load())
	assert.Equal(t, src.server.URL, ds.Source)
	assert.Equal(t, 44713, ds.Entries[0].NORADID)
}

func TestLoaderMergesOverlappingSources(t *testing.T) {
	primary := newSource(t, issTLE+starlinkTLE)
	extra := newSource(t, issTLE)

	loader := NewLoader(testFetcher(primary.server.URL, extra.server.URL), NewCache(t.TempDir(), 3), time.Hour, testLogger)
	ds, err := loader.Load(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, ds.Entries, 2)
	assert.Equal(t, 25544, ds.Entries[0].NORADID)
	assert.Equal(t, 44713, ds.Entries[1].NORADID)
}

func TestLoaderErrors(t *testing.T) {
	src := newSource(t, starlinkTLE)
	src.fail.Store(true)

	loader := NewLoader(testFetcher(src.server.URL), NewCache(t.TempDir(), 3), time.Hour, testLogger)
	_, err := loader.Load(context.Background(), false)
	assert.Error(t, err)

	offline := NewLoader(nil, NewCache(t.TempDir(), 3), time.Hour, testLogger)
	_, err = offline.Load(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoCache)

	garbage := newSource(t, "not a tle\n")
	loader = NewLoader(testFetcher(garbage.server.URL), NewCache(t.TempDir(), 3), time.Hour, testLogger)
	_, err = loader.Load(context.Background(), false)
	assert.ErrorContains(t, err, "no valid entries")
}

func TestCachePrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir, 2)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		require.NoError(t, cache.Write([]byte(issTLE), base.Add(time.Duration(i)*time.Hour)))
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, ts, err := cache.LoadLatest()
	require.NoError(t, err)
	assert.True(t, base.Add(3*time.Hour).Equal(ts))

	_, _, err = NewCache(t.TempDir(), 2).LoadLatest()
	assert.ErrorIs(t, err, ErrNoCache)
}

func TestStoreRefreshKeepsDatasetOnError(t *testing.T) {
	src := newSource(t, issTLE)
	store := NewStore()
	assert.Nil(t, store.Get())
	assert.Equal(t, -1.0, store.AgeSeconds())

	loader := NewLoader(testFetcher(src.server.URL), NewCache(t.TempDir(), 3), time.Hour, testLogger)
	first, err := store.Refresh(context.Background(), loader, true)
	require.NoError(t, err)
	assert.Same(t, first, store.Get())
	assert.GreaterOrEqual(t, store.AgeSeconds(), 0.0)

	src.fail.Store(true)
	offline := NewLoader(testFetcher(src.server.URL), NewCache(t.TempDir(), 3), time.Hour, testLogger)
	_, err = store.Refresh(context.Background(), offline, true)
	assert.Error(t, err)
	assert.Same(t, first, store.Get())
}

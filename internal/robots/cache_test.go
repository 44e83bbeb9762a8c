package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRobotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			time.Sleep(20 * time.Millisecond)
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCacheAppliesDirectives(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, http.StatusOK,
		"User-agent: *\nDisallow: /private\n\nUser-agent: harvester\nDisallow: /search?q=\n")
	cache := NewCache(CacheConfig{UserAgent: "harvester"}, zap.NewNop())
	ctx := context.Background()

	allowed, err := cache.Allowed(ctx, srv.URL+"/articles/PMC123")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = cache.Allowed(ctx, srv.URL+"/search?q=cancer")
	require.NoError(t, err)
	assert.False(t, allowed, "query string must take part in matching")

	other := NewCache(CacheConfig{UserAgent: "someone-else"}, zap.NewNop())
	allowed, err = other.Allowed(ctx, srv.URL+"/private/file")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCacheFetchesOncePerOrigin(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /blocked\n")
	cache := NewCache(CacheConfig{UserAgent: "harvester"}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := cache.Allowed(context.Background(), fmt.Sprintf("%s/doc/%d", srv.URL, i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		allowed, err := cache.Allowed(context.Background(), srv.URL+"/blocked")
		require.NoError(t, err)
		assert.False(t, allowed)
	}

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(1), cache.Fetches())
}

func TestCachePolicyNormalizesOrigin(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /blocked\n")
	cache := NewCache(CacheConfig{UserAgent: "harvester"}, zap.NewNop())
	ctx := context.Background()

	p := cache.Policy(ctx, strings.ToUpper(srv.URL)+"/")
	assert.Equal(t, srv.URL, p.Origin())
	assert.False(t, p.Allows("harvester", "/blocked"))

	allowed, err := cache.Allowed(ctx, srv.URL+"/blocked")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Same(t, p, cache.Policy(ctx, srv.URL))

	assert.Equal(t, int64(1), cache.Fetches())
	assert.Equal(t, int64(1), hits.Load())
}

func TestCacheSeparatesOrigins(t *testing.T) {
	t.Parallel()

	first, firstHits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n")
	second, secondHits := newRobotsServer(t, http.StatusOK, "User-agent: *\nAllow: /\n")
	cache := NewCache(CacheConfig{UserAgent: "harvester"}, zap.NewNop())
	ctx := context.Background()

	allowed, err := cache.Allowed(ctx, first.URL+"/x")
	require.NoError(t, err)
	assert.False(t, allowed)
	allowed, err = cache.Allowed(ctx, second.URL+"/x")
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.Equal(t, int64(1), firstHits.Load())
	assert.Equal(t, int64(1), secondHits.Load())
	assert.Equal(t, int64(2), cache.Fetches())
}

func TestCachePermitsWhenRobotsUnavailable(t *testing.T) {
	t.Parallel()

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		srv, _ := newRobotsServer(t, http.StatusServiceUnavailable, "")
		cache := NewCache(CacheConfig{UserAgent: "harvester"}, zap.NewNop())
		allowed, err := cache.Allowed(context.Background(), srv.URL+"/anything")
		require.NoError(t, err)
		assert.True(t, allowed)
		origin, _, err := target(srv.URL)
		require.NoError(t, err)
		assert.True(t, cache.Policy(context.Background(), origin).Fallback())
	})

	t.Run("connection refused", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()
		cache := NewCache(CacheConfig{UserAgent: "harvester", Timeout: time.Second}, zap.NewNop())
		allowed, err := cache.Allowed(context.Background(), addr+"/anything")
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("missing robots", func(t *testing.T) {
		t.Parallel()
		srv, _ := newRobotsServer(t, http.StatusNotFound, "")
		cache := NewCache(CacheConfig{UserAgent: "harvester"}, zap.NewNop())
		allowed, err := cache.Allowed(context.Background(), srv.URL+"/anything")
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestCacheSurvivesCanceledCaller(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /blocked\n")
	cache := NewCache(CacheConfig{UserAgent: "harvester"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	origin, _, err := target(srv.URL)
	require.NoError(t, err)
	policy := cache.Policy(ctx, origin)
	assert.False(t, policy.Fallback(), "canceled caller must not install the permit-all fallback")
	assert.False(t, policy.Allows("harvester", "/blocked"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestAllowedRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	cache := NewCache(CacheConfig{UserAgent: "harvester"}, zap.NewNop())
	_, err := cache.Allowed(context.Background(), "/just/a/path")
	require.Error(t, err)
	assert.Equal(t, int64(0), cache.Fetches())
}

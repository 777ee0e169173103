package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/config"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
)

const origin = "http://app.test"

var (
	epoch      = time.UnixMilli(1772366400000).UTC()
	errOffline = errors.New("dial tcp: network is unreachable")
)

// fakeFetcher answers requests from a per-path table and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	status  int
	body    string
	err     error
	release chan struct{}
	missing map[string]bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, status: http.StatusOK, body: "fresh"}
}

func (f *fakeFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls[req.URL.Path]++
	status, body, err, release := f.status, f.body, f.err, f.release
	if f.missing[req.URL.Path] {
		status = http.StatusNotFound
	}
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (f *fakeFetcher) set(status int, body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body, f.err = status, body, err
}

func (f *fakeFetcher) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

type fixture struct {
	engine  *Engine
	fetcher *fakeFetcher
	storage *MemoryStorage
	clock   *clock.FakeClock
	events  *events.Recorder
}

func newFixture(t *testing.T, mutate ...func(*config.CacheConfig)) *fixture {
	t.Helper()
	cfg := config.Default().Cache
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{
		fetcher: newFakeFetcher(),
		storage: NewMemoryStorage(),
		clock:   clock.Fake(epoch),
		events:  &events.Recorder{},
	}
	engine, err := NewEngine(Options{
		Config:  cfg,
		Shell:   []string{"/", "/offline"},
		Storage: f.storage,
		Fetcher: f.fetcher,
		Clock:   f.clock,
		Events:  f.events,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, origin+path, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) keys(t *testing.T, class Class) []string {
	t.Helper()
	c, err := f.storage.Open(context.Background(), f.engine.Namespace(class))
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

// =====================================================
// Cache-first
// =====================================================

func TestCacheFirst_missThenHit(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Handle(get(t, "/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", readBody(t, resp))
	assert.Equal(t, 1, f.fetcher.count("/logo.png"))
	assert.Equal(t, []string{"GET " + origin + "/logo.png"}, f.keys(t, ClassImages))

	resp, err = f.engine.Handle(get(t, "/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", readBody(t, resp))
	assert.Equal(t, 1, f.fetcher.count("/logo.png"), "second request must be served from cache")
	assert.NotEmpty(t, resp.Header.Get(TimestampHeader))
}

func TestCacheFirst_expiry(t *testing.T) {
	f := newFixture(t)
	window := config.Default().Cache.Expiration

	_, err := f.engine.Handle(get(t, "/fonts/inter.woff2"))
	require.NoError(t, err)

	f.clock.Advance(window - time.Millisecond)
	_, err = f.engine.Handle(get(t, "/fonts/inter.woff2"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.fetcher.count("/fonts/inter.woff2"), "not expired before the window")

	f.clock.Advance(time.Millisecond)
	_, err = f.engine.Handle(get(t, "/fonts/inter.woff2"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.fetcher.count("/fonts/inter.woff2"), "expired at exactly the window")
}

func TestCacheFirst_networkFailureServesExpired(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Handle(get(t, "/logo.png"))
	require.NoError(t, err)

	f.clock.Advance(30 * 24 * time.Hour)
	f.fetcher.set(0, "", errOffline)

	resp, err := f.engine.Handle(get(t, "/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fresh", readBody(t, resp))
}

func TestCacheFirst_totalMissIs408(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(0, "", errOffline)

	resp, err := f.engine.Handle(get(t, "/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Empty(t, f.keys(t, ClassImages))
}

// =====================================================
// Network-first
// =====================================================

func TestNetworkFirst_fallsBackToCache(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Handle(get(t, "/api/proposals"))
	require.NoError(t, err)
	assert.Len(t, f.keys(t, ClassDynamic), 1)

	f.fetcher.set(0, "", errOffline)
	resp, err := f.engine.Handle(get(t, "/api/proposals"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", readBody(t, resp))
	assert.Equal(t, 2, f.fetcher.count("/api/proposals"), "network is always tried first")
}

func TestNetworkFirst_missPropagatesOriginalError(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(0, "", errOffline)

	resp, err := f.engine.Handle(get(t, "/api/proposals"))
	assert.Nil(t, resp)
	assert.Same(t, errOffline, err)
}

func TestNetworkFirst_non2xxIsReturnedNotCached(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(http.StatusInternalServerError, "boom", nil)

	resp, err := f.engine.Handle(get(t, "/api/proposals"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, f.keys(t, ClassDynamic))
}

func TestNetworkFirst_userDataNamespace(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Handle(get(t, "/api/user/settings"))
	require.NoError(t, err)
	assert.Len(t, f.keys(t, ClassUserData), 1)
}

// =====================================================
// Stale-while-revalidate
// =====================================================

func TestSWR_returnsCachedWithoutWaiting(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Handle(get(t, "/api/dashboard"))
	require.NoError(t, err)

	release := make(chan struct{})
	f.fetcher.mu.Lock()
	f.fetcher.release = release
	f.fetcher.body = "newer"
	f.fetcher.mu.Unlock()

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := f.engine.Handle(get(t, "/api/dashboard"))
		assert.NoError(t, err)
		done <- resp
	}()

	select {
	case resp := <-done:
		assert.Equal(t, "fresh", readBody(t, resp))
	case <-time.After(time.Second):
		t.Fatal("stale-while-revalidate waited for the network")
	}

	close(release)
	f.engine.Wait()

	f.fetcher.set(0, "", errOffline)
	resp, err := f.engine.Handle(get(t, "/api/dashboard"))
	require.NoError(t, err)
	assert.Equal(t, "newer", readBody(t, resp), "background fetch refreshed the entry")
}

func TestSWR_revalidationFailureIsEmitted(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Handle(get(t, "/app.css"))
	require.NoError(t, err)
	assert.Len(t, f.keys(t, ClassStatic), 1)

	f.fetcher.set(0, "", errOffline)
	resp, err := f.engine.Handle(get(t, "/app.css"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", readBody(t, resp))

	f.engine.Wait()
	failures := f.events.Events(events.CacheRevalidateFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, origin+"/app.css", failures[0].Detail["url"])
}

func TestSWR_missAwaitsNetwork(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Handle(get(t, "/main.js"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", readBody(t, resp))

	f2 := newFixture(t)
	f2.fetcher.set(0, "", errOffline)
	resp, err = f2.engine.Handle(get(t, "/main.js"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Len(t, f2.events.Events(events.CacheRevalidateFailed), 1)
}

// =====================================================
// Invariants
// =====================================================

func TestNeverCache_untouchedInEveryStrategy(t *testing.T) {
	paths := []string{
		"/api/auth/session",
		"/login",
		"/logout",
		"/api/token/refresh",
		"/api/auth/avatar.png",
		"/login/theme.css",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			f := newFixture(t)
			for i := 0; i < 2; i++ {
				_, err := f.engine.Handle(get(t, p))
				require.NoError(t, err)
			}
			assert.Equal(t, 2, f.fetcher.count(p))

			names, err := f.storage.Names(context.Background())
			require.NoError(t, err)
			assert.Empty(t, names, "no namespace may be opened for never-cache requests")
		})
	}
}

func TestEviction_insertionOrder(t *testing.T) {
	f := newFixture(t, func(c *config.CacheConfig) {
		c.MaxEntriesByClass = map[string]int{"images": 3}
	})

	for _, name := range []string{"a", "b", "c"} {
		_, err := f.engine.Handle(get(t, "/img/"+name+".png"))
		require.NoError(t, err)
	}

	// Reading "a" does not protect it: eviction is not LRU.
	_, err := f.engine.Handle(get(t, "/img/a.png"))
	require.NoError(t, err)

	for _, name := range []string{"d", "e"} {
		_, err := f.engine.Handle(get(t, "/img/"+name+".png"))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		"GET " + origin + "/img/c.png",
		"GET " + origin + "/img/d.png",
		"GET " + origin + "/img/e.png",
	}, f.keys(t, ClassImages))
}

func TestShouldCache(t *testing.T) {
	f := newFixture(t)
	ok := &http.Response{StatusCode: http.StatusOK}

	assert.True(t, f.engine.ShouldCache(get(t, "/api/proposals"), ok))
	assert.False(t, f.engine.ShouldCache(get(t, "/api/auth/me"), ok))
	assert.False(t, f.engine.ShouldCache(get(t, "/x"), &http.Response{StatusCode: http.StatusNotFound}))

	post, _ := http.NewRequest(http.MethodPost, origin+"/api/proposals", nil)
	assert.False(t, f.engine.ShouldCache(post, ok))
}

func TestHandle_nonGetBypassesCache(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPost, origin+"/api/proposals", strings.NewReader("{}"))

	_, err := f.engine.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fetcher.count("/api/proposals"))
	names, _ := f.storage.Names(context.Background())
	assert.Empty(t, names)
}

// =====================================================
// Lifecycle
// =====================================================

func TestPrecache_allOrNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Precache(context.Background(), []string{origin + "/", origin + "/offline"}))
	assert.Len(t, f.keys(t, ClassStatic), 2)

	g := newFixture(t)
	g.fetcher.missing = map[string]bool{"/manifest.json": true}
	err := g.engine.Precache(context.Background(), []string{origin + "/", origin + "/manifest.json"})
	assert.ErrorContains(t, err, "manifest.json")
	assert.Equal(t, 2, g.fetcher.count("/")+g.fetcher.count("/manifest.json"))
	assert.Empty(t, g.keys(t, ClassStatic), "entries written before the failure are removed")
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Refresh(context.Background(), origin+"/api/dashboard"))
	assert.Len(t, f.keys(t, ClassDynamic), 1)

	require.NoError(t, f.engine.Refresh(context.Background(), origin+"/api/auth/me"))
	assert.Equal(t, 0, f.fetcher.count("/api/auth/me"))
}

func TestClearAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, p := range []string{"/logo.png", "/api/proposals", "/api/user/profile"} {
		_, err := f.engine.Handle(get(t, p))
		require.NoError(t, err)
	}

	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["celebra-images-v1"])
	assert.Equal(t, 1, stats["celebra-dynamic-v1"])
	assert.Equal(t, 1, stats["celebra-user-data-v1"])

	require.NoError(t, f.engine.Clear(ctx, "celebra-images-v1"))
	stats, err = f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats["celebra-images-v1"])
	assert.Equal(t, 1, stats["celebra-dynamic-v1"])

	assert.Error(t, f.engine.Clear(ctx, "celebra-images-v0"))
	require.NoError(t, f.engine.Clear(ctx, ""))
	stats, err = f.engine.Stats(ctx)
	require.NoError(t, err)
	for name, n := range stats {
		assert.Zero(t, n, name)
	}
}

func TestNamespaceNames(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{
		"celebra-static-v1",
		"celebra-dynamic-v1",
		"celebra-user-data-v1",
		"celebra-images-v1",
		"celebra-fonts-v1",
	}, f.engine.ActiveNamespaces())
}

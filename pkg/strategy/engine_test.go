package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/classify"
	"github.com/always-cache/offline-cache/pkg/network"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

var partitions = classify.PartitionsFor("v1")

// origin answers with the path and a counter, unless offline.
type origin struct {
	calls   atomic.Int64
	offline atomic.Bool
	status  atomic.Int64
	body    atomic.String
}

func (o *origin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	o.calls.Inc()
	if o.offline.Load() {
		return nil, errors.New("connection refused")
	}
	status := int(o.status.Load())
	if status == 0 {
		status = http.StatusOK
	}
	body := o.body.Load()
	if body == "" {
		body = r.URL.Path
	}
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/plain")
	rec.WriteHeader(status)
	rec.WriteString(body)
	return rec.Result(), nil
}

type fixture struct {
	engine   *Engine
	provider cache.Provider
	origin   *origin
	router   classify.Router
}

func newFixture(t *testing.T, limits map[string]int) *fixture {
	t.Helper()
	f := &fixture{
		provider: cache.NewMemProvider(),
		origin:   &origin{},
		router:   classify.NewRouter(partitions, "/api/", []string{"/", "/manifest.json", "/icon.png"}),
	}
	f.engine = NewEngine(Config{
		Provider:        f.provider,
		Network:         f.origin,
		Limits:          limits,
		StaticPartition: partitions.Static,
		Logger:          zerolog.Nop(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target string, header map[string]string) (*http.Response, string) {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	res := f.engine.Handle(context.Background(), r, f.router.Classify(r))
	require.NotNil(t, res)
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	return res, string(b)
}

// seed stores a response the way the install pre-warm does.
func (f *fixture) seed(t *testing.T, partition, key, body string) {
	t.Helper()
	p, err := f.provider.Open(context.Background(), partition)
	require.NoError(t, err)
	b, err := serializer.SnapshotToBytes(serializer.Snapshot{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
	})
	require.NoError(t, err)
	require.NoError(t, p.Put(context.Background(), key, b))
}

func (f *fixture) keys(t *testing.T, partition string) []string {
	t.Helper()
	p, err := f.provider.Open(context.Background(), partition)
	require.NoError(t, err)
	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

var image = map[string]string{"Sec-Fetch-Dest": "image"}
var navigate = map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"}
var script = map[string]string{"Sec-Fetch-Dest": "script"}

func TestCacheFirstServesFromCacheWithoutNetwork(t *testing.T) {
	f := newFixture(t, nil)
	res, body := f.do(t, "GET", "https://example.com/logo.png", image)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/logo.png", body)
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", res.Header.Get("Cache-Status"))
	assert.EqualValues(t, 1, f.origin.calls.Load())

	f.origin.body.Store("changed")
	res, body = f.do(t, "GET", "https://example.com/logo.png", image)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/logo.png", body)
	assert.Equal(t, "Offline-Cache; hit", res.Header.Get("Cache-Status"))
	assert.EqualValues(t, 1, f.origin.calls.Load())
}

func TestCacheFirstOfflineWithoutEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.offline.Store(true)
	res, body := f.do(t, "GET", "https://example.com/logo.png", image)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "offline", body)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; detail=offline", res.Header.Get("Cache-Status"))
	assert.Empty(t, f.keys(t, partitions.Images))
}

func TestUnsuccessfulResponsesAreNotStored(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.status.Store(http.StatusNotFound)
	res, _ := f.do(t, "GET", "https://example.com/missing.png", image)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; fwd-status=404", res.Header.Get("Cache-Status"))
	assert.Empty(t, f.keys(t, partitions.Images))

	res, _ = f.do(t, "GET", "https://example.com/pricing", navigate)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Empty(t, f.keys(t, partitions.Dynamic))
}

func TestNetworkFirstStoresAndFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	res, body := f.do(t, "GET", "https://example.com/pricing", navigate)
	assert.Equal(t, "/pricing", body)
	assert.Equal(t, "Offline-Cache; fwd=request; stored", res.Header.Get("Cache-Status"))
	assert.Equal(t, []string{"GET https://example.com/pricing"}, f.keys(t, partitions.Dynamic))

	f.origin.offline.Store(true)
	res, body = f.do(t, "GET", "https://example.com/pricing", navigate)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/pricing", body)
	assert.Equal(t, "Offline-Cache; hit; detail=offline-fallback", res.Header.Get("Cache-Status"))
}

func TestNetworkFirstPrefersNetwork(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "GET", "https://example.com/data.json", nil)
	f.origin.body.Store("fresh")
	_, body := f.do(t, "GET", "https://example.com/data.json", nil)
	assert.Equal(t, "fresh", body)
	assert.EqualValues(t, 2, f.origin.calls.Load())
}

func TestNetworkFirstNavigationFallsBackToRootDocument(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, partitions.Static, "GET https://example.com/", "/")

	f.origin.offline.Store(true)
	res, body := f.do(t, "GET", "https://example.com/never-visited", navigate)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/", body)
	assert.Equal(t, "Offline-Cache; hit; detail=offline-root-fallback", res.Header.Get("Cache-Status"))

	// not for sub-resources
	res, body = f.do(t, "GET", "https://example.com/never-visited.json", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "offline", body)
	assert.Equal(t, "Offline-Cache; fwd=miss; detail=offline", res.Header.Get("Cache-Status"))
}

func TestNetworkFirstNavigationFallsBackToSiteRoot(t *testing.T) {
	f := newFixture(t, nil)
	site, err := url.Parse("http://127.0.0.1:9000")
	require.NoError(t, err)
	f.engine.siteURL = *site
	f.seed(t, partitions.Static, "GET http://127.0.0.1:9000/", "site root")

	f.origin.offline.Store(true)
	res, body := f.do(t, "GET", "http://localhost:8080/never-visited", navigate)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "site root", body)
	assert.Equal(t, "Offline-Cache; hit; detail=offline-root-fallback", res.Header.Get("Cache-Status"))

	// the request's own origin is the second choice
	f.seed(t, partitions.Static, "GET https://example.com/", "own root")
	f.engine.siteURL = url.URL{Scheme: "https", Host: "elsewhere.example"}
	_, body = f.do(t, "GET", "https://example.com/never-visited", navigate)
	assert.Equal(t, "own root", body)
}

func TestRootDocumentIsFetchedFromNetwork(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, partitions.Static, "GET https://example.com/", "root v1")
	f.origin.body.Store("root v2")

	for i := 0; i < 2; i++ {
		res, body := f.do(t, "GET", "https://example.com/", nil)
		assert.Equal(t, "root v2", body)
		assert.Equal(t, "Offline-Cache; fwd=request; stored", res.Header.Get("Cache-Status"))
	}
	assert.EqualValues(t, 2, f.origin.calls.Load())

	// offline, the latest copy wins over the pre-warmed one
	f.origin.offline.Store(true)
	res, body := f.do(t, "GET", "https://example.com/", nil)
	assert.Equal(t, "root v2", body)
	assert.Equal(t, "Offline-Cache; hit; detail=offline-fallback", res.Header.Get("Cache-Status"))
}

func TestRootDocumentOfflineWithoutVisit(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, partitions.Static, "GET https://example.com/", "root v1")
	f.origin.offline.Store(true)
	res, body := f.do(t, "GET", "https://example.com/", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "root v1", body)
	assert.Equal(t, "Offline-Cache; hit; detail=offline-root-fallback", res.Header.Get("Cache-Status"))
}

func TestNetworkFirstNavigationWithoutRootDocument(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.offline.Store(true)
	res, body := f.do(t, "GET", "https://example.com/pricing", navigate)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "offline", body)
}

func TestStaleWhileRevalidate(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.body.Store("v1")
	res, body := f.do(t, "GET", "https://example.com/app.js", script)
	assert.Equal(t, "v1", body)
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", res.Header.Get("Cache-Status"))

	f.origin.body.Store("v2")
	res, body = f.do(t, "GET", "https://example.com/app.js", script)
	assert.Equal(t, "v1", body)
	assert.Equal(t, "Offline-Cache; hit; detail=revalidating", res.Header.Get("Cache-Status"))
	f.engine.Wait()
	assert.EqualValues(t, 2, f.origin.calls.Load())

	_, body = f.do(t, "GET", "https://example.com/app.js", script)
	assert.Equal(t, "v2", body)
	f.engine.Wait()
}

func TestStaleWhileRevalidateOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.origin.body.Store("v1")
	f.do(t, "GET", "https://example.com/site.css", nil)

	f.origin.offline.Store(true)
	res, body := f.do(t, "GET", "https://example.com/site.css", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "v1", body)
	f.engine.Wait()

	_, body = f.do(t, "GET", "https://example.com/site.css", nil)
	assert.Equal(t, "v1", body)
	f.engine.Wait()

	res, body = f.do(t, "GET", "https://example.com/other.css", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "offline", body)
}

func TestIneligibleRequestsAreNeverStored(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := f.do(t, "POST", "https://example.com/contact", nil)
	assert.Equal(t, "Offline-Cache; fwd=method", res.Header.Get("Cache-Status"))
	res, _ = f.do(t, "GET", "https://example.com/api/session", nil)
	assert.Equal(t, "Offline-Cache; fwd=bypass", res.Header.Get("Cache-Status"))
	f.do(t, "GET", "https://example.com/api/session", nil)
	f.engine.Wait()

	assert.EqualValues(t, 3, f.origin.calls.Load())
	names, err := f.provider.List(context.Background())
	require.NoError(t, err)
	for _, name := range names {
		assert.Empty(t, f.keys(t, name), name)
	}

	f.origin.offline.Store(true)
	res, body := f.do(t, "POST", "https://example.com/contact", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "offline", body)
	assert.Equal(t, "Offline-Cache; fwd=method; detail=offline", res.Header.Get("Cache-Status"))
}

func TestSameIdentityIsStoredOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "GET", "https://example.com/data.json", nil)
	f.do(t, "GET", "https://example.com/data.json", nil)
	assert.Equal(t, []string{"GET https://example.com/data.json"}, f.keys(t, partitions.Dynamic))
}

func TestEvictionAfterWrites(t *testing.T) {
	f := newFixture(t, map[string]int{partitions.Images: 2})
	for _, name := range []string{"A", "B", "C"} {
		f.do(t, "GET", "https://example.com/"+name+".png", image)
	}
	f.engine.Wait()
	assert.Equal(t, []string{
		"GET https://example.com/B.png",
		"GET https://example.com/C.png",
	}, f.keys(t, partitions.Images))
}

type failingProvider struct {
	cache.MemProvider
}

func (failingProvider) Open(ctx context.Context, name string) (cache.Partition, error) {
	return nil, errors.New("disk full")
}

func TestPartitionOpenFailurePassesThrough(t *testing.T) {
	o := &origin{}
	e := NewEngine(Config{
		Provider: failingProvider{cache.NewMemProvider()},
		Network:  o,
		Logger:   zerolog.Nop(),
	})
	r := httptest.NewRequest("GET", "https://example.com/logo.png", nil)
	d := classify.Decision{Eligible: true, Class: classify.ClassImage, Partition: partitions.Images, Strategy: classify.CacheFirst}
	res := e.Handle(context.Background(), r, d)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Offline-Cache; fwd=bypass", res.Header.Get("Cache-Status"))
	assert.EqualValues(t, 1, o.calls.Load())
}

type brokenBody struct{}

func (brokenBody) Read(p []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestPartialBodyIsNotStored(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.network = network.FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(io.MultiReader(strings.NewReader("partial"), brokenBody{})),
		}, nil
	})
	res, body := f.do(t, "GET", "https://example.com/logo.png", image)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "offline", body)
	assert.Empty(t, f.keys(t, partitions.Images))
}

func TestCloseStopsBackgroundWork(t *testing.T) {
	f := newFixture(t, map[string]int{partitions.Dynamic: 1})
	f.do(t, "GET", "https://example.com/app.js", script)
	f.engine.Wait()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.do(t, "GET", "https://example.com/app.js", script)
			f.do(t, "GET", fmt.Sprintf("https://example.com/page-%d", i), nil)
		}(i)
	}
	f.engine.Close()
	wg.Wait()

	calls := f.origin.calls.Load()
	res, body := f.do(t, "GET", "https://example.com/app.js", script)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/app.js", body)
	f.engine.Wait()
	assert.Equal(t, calls, f.origin.calls.Load())
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "GET", "https://example.com/logo.png", image)
	f.do(t, "GET", "https://example.com/logo.png", image)
	f.do(t, "POST", "https://example.com/contact", nil)
	f.origin.offline.Store(true)
	f.do(t, "GET", "https://example.com/other.png", image)
	f.engine.Wait()

	assert.Equal(t, Stats{
		Hits:     1,
		Misses:   1,
		Stored:   1,
		Offline:  1,
		Bypassed: 1,
	}, f.engine.Stats())
}

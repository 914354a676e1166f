// Package strategy serves intercepted requests from the partitions, the network,
// or a combination of both, depending on the strategy chosen for the request.
package strategy

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/classify"
	"github.com/always-cache/offline-cache/pkg/eviction"
	"github.com/always-cache/offline-cache/pkg/network"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9211"
)

const (
	DetailOffline         = "offline"
	DetailOfflineFallback = "offline-fallback"
	DetailRootFallback    = "offline-root-fallback"
	DetailRevalidating    = "revalidating"
)

type Config struct {
	Provider cache.Provider
	Network  network.Fetcher
	// Eviction controller, a new one is created if nil.
	Eviction *eviction.Controller
	// Maximum number of entries per partition name. Missing partitions are unbounded.
	Limits map[string]int
	// Partition holding the pre-warmed root document.
	StaticPartition string
	// URL the manifest was pre-warmed from. Its root document is the first offline
	// fallback for navigations, the root of the request's own origin the second.
	SiteURL url.URL
	Logger  zerolog.Logger
}

// Stats are the engine counters since creation.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Stored    int64 `json:"stored"`
	Offline   int64 `json:"offline"`
	Fallbacks int64 `json:"fallbacks"`
	Bypassed  int64 `json:"bypassed"`
}

type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	stored    atomic.Int64
	offline   atomic.Int64
	fallbacks atomic.Int64
	bypassed  atomic.Int64
}

// Engine dispatches requests to the strategy of their classification.
type Engine struct {
	provider        cache.Provider
	network         network.Fetcher
	evictor         *eviction.Controller
	limits          map[string]int
	staticPartition string
	siteURL         url.URL
	keyer           cachekey.CacheKeyer
	log             zerolog.Logger
	revalidations   *singleflight.Group
	background      *background
	counters        *counters
}

// background tracks the goroutines of the engine.
// Once closed, no new ones are started.
type background struct {
	mutex  sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// start runs f in a tracked goroutine. It returns false if closed.
func (b *background) start(f func()) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
	return true
}

func (b *background) close() {
	b.mutex.Lock()
	b.closed = true
	b.mutex.Unlock()
	b.wg.Wait()
}

func NewEngine(config Config) *Engine {
	if config.Eviction == nil {
		config.Eviction = eviction.NewController(config.Logger)
	}
	return &Engine{
		provider:        config.Provider,
		network:         config.Network,
		evictor:         config.Eviction,
		limits:          config.Limits,
		staticPartition: config.StaticPartition,
		siteURL:         config.SiteURL,
		keyer:           cachekey.NewCacheKeyer(),
		log:             config.Logger.With().Str("component", "strategy").Logger(),
		revalidations:   &singleflight.Group{},
		background:      &background{},
		counters:        &counters{},
	}
}

// WithNetwork returns an engine using the given network.
// The returned engine shares partitions, counters and background work with e.
func (e *Engine) WithNetwork(f network.Fetcher) *Engine {
	n := *e
	n.network = f
	return &n
}

// request is the per-request state.
type request struct {
	r           *http.Request
	key         string
	partition   cache.Partition
	navigation  bool
	cacheStatus rfc9211.CacheStatus
	log         zerolog.Logger
}

// Handle produces the response for the request. It never fails:
// network failures end in a fallback or the synthetic offline response.
func (e *Engine) Handle(ctx context.Context, r *http.Request, d classify.Decision) *http.Response {
	if !d.Eligible || d.Strategy == classify.PassThrough {
		reason := rfc9211.FwdReasonBypass
		if d.Reason == "method" {
			reason = rfc9211.FwdReasonMethod
		}
		return e.passThrough(ctx, r, reason)
	}

	p, err := e.provider.Open(ctx, d.Partition)
	if err != nil {
		e.log.Warn().Err(err).Str("partition", d.Partition).Msg("Could not open partition, passing through")
		return e.passThrough(ctx, r, rfc9211.FwdReasonBypass)
	}

	req := &request{
		r:          r,
		key:        e.keyer.GetKey(r),
		partition:  p,
		navigation: d.Navigation,
	}
	req.log = e.log.With().
		Str("key", req.key).
		Str("strategy", string(d.Strategy)).
		Logger()
	req.log.Trace().Msg("Handling request")

	switch d.Strategy {
	case classify.CacheFirst:
		return e.cacheFirst(ctx, req)
	case classify.NetworkFirst:
		return e.networkFirst(ctx, req)
	case classify.StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, req)
	}
	return e.passThrough(ctx, r, rfc9211.FwdReasonBypass)
}

func (e *Engine) cacheFirst(ctx context.Context, req *request) *http.Response {
	if snap, ok := e.lookup(ctx, req.partition, req.key); ok {
		e.counters.hits.Inc()
		req.cacheStatus.Hit()
		return e.respond(req, snap)
	}
	return e.fetchAndStore(ctx, req)
}

func (e *Engine) networkFirst(ctx context.Context, req *request) *http.Response {
	snap, err := e.fetch(ctx, req.r)
	if err == nil {
		e.counters.misses.Inc()
		req.cacheStatus.Forward(rfc9211.FwdReasonRequest)
		e.storeIfSuccessful(ctx, req, snap)
		return e.respond(req, snap)
	}
	req.log.Debug().Err(err).Msg("Network unavailable, falling back to cache")

	if snap, ok := e.lookup(ctx, req.partition, req.key); ok {
		e.counters.fallbacks.Inc()
		req.cacheStatus.Hit()
		req.cacheStatus.Detail = DetailOfflineFallback
		return e.respond(req, snap)
	}
	if req.navigation || isRootDocument(req.r) {
		if snap, ok := e.rootDocument(ctx, req.r); ok {
			e.counters.fallbacks.Inc()
			req.cacheStatus.Hit()
			req.cacheStatus.Detail = DetailRootFallback
			return e.respond(req, snap)
		}
	}
	req.cacheStatus.Forward(rfc9211.FwdReasonMiss)
	return e.offline(req)
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *request) *http.Response {
	snap, ok := e.lookup(ctx, req.partition, req.key)
	if !ok {
		return e.fetchAndStore(ctx, req)
	}
	e.counters.hits.Inc()
	e.revalidate(ctx, req)
	req.cacheStatus.Hit()
	req.cacheStatus.Detail = DetailRevalidating
	return e.respond(req, snap)
}

// fetchAndStore handles a miss: the network response is stored if successful.
func (e *Engine) fetchAndStore(ctx context.Context, req *request) *http.Response {
	req.cacheStatus.Forward(rfc9211.FwdReasonUriMiss)
	snap, err := e.fetch(ctx, req.r)
	if err != nil {
		req.log.Debug().Err(err).Msg("Network unavailable")
		return e.offline(req)
	}
	e.counters.misses.Inc()
	e.storeIfSuccessful(ctx, req, snap)
	return e.respond(req, snap)
}

// revalidate refreshes the entry in the background.
// Concurrent revalidations of the same entry share one network request.
func (e *Engine) revalidate(ctx context.Context, req *request) {
	bgCtx := context.WithoutCancel(ctx)
	bgReq := &request{
		r:         req.r.Clone(bgCtx),
		key:       req.key,
		partition: req.partition,
		log:       req.log,
	}
	started := e.background.start(func() {
		_, err, shared := e.revalidations.Do(bgReq.partition.Name()+" "+bgReq.key, func() (interface{}, error) {
			snap, err := e.fetch(bgCtx, bgReq.r)
			if err != nil {
				return nil, err
			}
			e.storeIfSuccessful(bgCtx, bgReq, snap)
			return nil, nil
		})
		if err != nil {
			bgReq.log.Debug().Err(err).Msg("Revalidation failed")
		} else if shared {
			bgReq.log.Trace().Msg("Revalidation shared")
		}
	})
	if !started {
		req.log.Trace().Msg("Closed, not revalidating")
	}
}

func (e *Engine) passThrough(ctx context.Context, r *http.Request, reason rfc9211.FwdReason) *http.Response {
	e.counters.bypassed.Inc()
	cs := rfc9211.CacheStatus{}
	cs.Forward(reason)
	res, err := e.network.Fetch(ctx, r)
	if err != nil {
		e.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network unavailable for pass-through")
		e.counters.offline.Inc()
		cs.Detail = DetailOffline
		res = OfflineResponse(r)
	}
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Add("Cache-Status", cs.String())
	return res
}

// fetch gets the complete response from the network.
// A response whose body cannot be read completely is a failed fetch.
func (e *Engine) fetch(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	res, err := e.network.Fetch(ctx, r)
	if err != nil {
		return serializer.Snapshot{}, err
	}
	return serializer.FromResponse(res)
}

// storeIfSuccessful stores 2xx responses and schedules eviction.
// A store that has not finished when the request is cancelled is completed anyway.
func (e *Engine) storeIfSuccessful(ctx context.Context, req *request, snap serializer.Snapshot) {
	if !snap.Successful() {
		req.cacheStatus.FwdStatus = snap.StatusCode
		req.log.Trace().Int("status", snap.StatusCode).Msg("Not storing unsuccessful response")
		return
	}
	b, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		req.log.Error().Err(err).Msg("Could not serialize response")
		return
	}
	if err := req.partition.Put(context.WithoutCancel(ctx), req.key, b); err != nil {
		req.log.Error().Err(err).Msg("Could not store response")
		return
	}
	e.counters.stored.Inc()
	req.cacheStatus.Stored = true
	req.log.Trace().Str("partition", req.partition.Name()).Msg("Stored response")
	e.evictor.Schedule(req.partition, e.limits[req.partition.Name()])
}

// lookup reads the entry. Read errors are treated as a miss.
func (e *Engine) lookup(ctx context.Context, p cache.Partition, key string) (serializer.Snapshot, bool) {
	entry, ok, err := p.Get(ctx, key)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("Could not read from partition")
		return serializer.Snapshot{}, false
	}
	if !ok {
		return serializer.Snapshot{}, false
	}
	snap, err := serializer.BytesToSnapshot(entry.Bytes)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("Could not parse stored response")
		return serializer.Snapshot{}, false
	}
	snap.StoredAt = entry.StoredAt
	return snap, true
}

func isRootDocument(r *http.Request) bool {
	return r.URL.Path == "/" || r.URL.Path == ""
}

// rootDocument returns the pre-warmed root document of the site,
// or else the one stored for the request's origin.
func (e *Engine) rootDocument(ctx context.Context, r *http.Request) (serializer.Snapshot, bool) {
	if e.staticPartition == "" {
		return serializer.Snapshot{}, false
	}
	p, err := e.provider.Open(ctx, e.staticPartition)
	if err != nil {
		e.log.Warn().Err(err).Str("partition", e.staticPartition).Msg("Could not open partition")
		return serializer.Snapshot{}, false
	}
	keys := make([]string, 0, 2)
	if e.siteURL.Host != "" {
		site := &url.URL{Scheme: e.siteURL.Scheme, Host: e.siteURL.Host, Path: "/"}
		keys = append(keys, e.keyer.KeyFor(http.MethodGet, site))
	}
	u := e.keyer.RequestURL(r)
	if own := e.keyer.KeyFor(http.MethodGet, &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}); len(keys) == 0 || keys[0] != own {
		keys = append(keys, own)
	}
	for _, key := range keys {
		if snap, ok := e.lookup(ctx, p, key); ok {
			return snap, true
		}
	}
	return serializer.Snapshot{}, false
}

func (e *Engine) respond(req *request, snap serializer.Snapshot) *http.Response {
	res := snap.Response(req.r)
	res.Header.Add("Cache-Status", req.cacheStatus.String())
	return res
}

func (e *Engine) offline(req *request) *http.Response {
	e.counters.offline.Inc()
	req.cacheStatus.Detail = DetailOffline
	res := OfflineResponse(req.r)
	res.Header.Add("Cache-Status", req.cacheStatus.String())
	return res
}

// OfflineResponse is the response for requests that can be answered
// neither by the network nor by any partition.
func OfflineResponse(r *http.Request) *http.Response {
	return serializer.Snapshot{
		StatusCode: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
		},
		Body: []byte("offline"),
	}.Response(r)
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Hits:      e.counters.hits.Load(),
		Misses:    e.counters.misses.Load(),
		Stored:    e.counters.stored.Load(),
		Offline:   e.counters.offline.Load(),
		Fallbacks: e.counters.fallbacks.Load(),
		Bypassed:  e.counters.bypassed.Load(),
	}
}

// Wait blocks until background revalidations and evictions have finished.
// It must not be called concurrently with Handle, use Close for that.
func (e *Engine) Wait() {
	e.background.wg.Wait()
	e.evictor.Wait()
}

// Close stops starting background work and waits for the running work to finish.
// Requests still being handled are served, without revalidation or eviction.
func (e *Engine) Close() {
	e.background.close()
	e.evictor.Close()
}

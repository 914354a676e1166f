// Package offlinecache intercepts page requests and serves them from versioned,
// bounded partitions when the network is slow or unavailable.
package offlinecache

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/classify"
	"github.com/always-cache/offline-cache/pkg/eviction"
	"github.com/always-cache/offline-cache/pkg/lifecycle"
	"github.com/always-cache/offline-cache/pkg/network"
	"github.com/always-cache/offline-cache/pkg/strategy"
)

const (
	DefaultVersion   = "v1"
	DefaultAPIPrefix = "/api/"
)

var DefaultManifest = []string{"/", "/manifest.json", "/icon.png"}

type Config struct {
	// Storage for partitions. An in-memory provider is used if nil.
	Provider cache.Provider
	// URL of the origin server for reverse proxy mode.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Public URL of the site, the manifest is resolved against it.
	// Defaults to the origin URL.
	SiteURL url.URL
	// The network. Defaults to the origin if OriginURL is set, else to http.DefaultTransport.
	// It is also used for pre-warming in middleware mode, where requests go to the next handler.
	Network network.Fetcher
	// Version tag of the partitions. Bumping it drops all previous partitions on activation.
	Version string
	// Requests to paths with this prefix are never cached.
	APIPrefix string
	// Paths pre-warmed on install.
	Manifest []string
	// Maximum entries per partition. Defaults to eviction.DefaultLimits.
	Limits *eviction.Limits
	// What a failing manifest entry does to the installation.
	Prewarm lifecycle.PrewarmPolicy
	// Activate right after install.
	SkipWaiting bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// OfflineCache intercepts requests once activated. It is an http.RoundTripper,
// an http.Handler proxying to the origin, and a middleware.
type OfflineCache struct {
	version    string
	partitions classify.Partitions
	provider   cache.Provider
	network    network.Fetcher
	router     classify.Router
	engine     *strategy.Engine
	lifecycle  *lifecycle.Controller
	log        zerolog.Logger
}

// CreateCache wires the components together and fills in the defaults.
// Nothing is intercepted before Install and Activate have run.
func CreateCache(config Config) *OfflineCache {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	if config.Version == "" {
		config.Version = DefaultVersion
	}
	if config.APIPrefix == "" {
		config.APIPrefix = DefaultAPIPrefix
	}
	if config.Manifest == nil {
		config.Manifest = DefaultManifest
	}
	if config.Limits == nil {
		config.Limits = &eviction.DefaultLimits
	}
	if config.Provider == nil {
		config.Provider = cache.NewMemProvider()
	}
	if config.SiteURL.Host == "" {
		config.SiteURL = config.OriginURL
	}
	if config.Network == nil {
		if config.OriginURL.Host != "" {
			config.Network = network.NewOriginFetcher(config.OriginURL, config.OriginHost)
		} else {
			config.Network = network.TransportFetcher{}
		}
	}

	logger = logger.With().
		Str("cacheVersion", config.Version).
		Logger()
	if len(config.Manifest) > 0 && (config.SiteURL.Scheme == "" || config.SiteURL.Host == "") {
		logger.Error().Strs("manifest", config.Manifest).Msg("No absolute site or origin URL to pre-warm the manifest from, install will fail")
	}

	partitions := classify.PartitionsFor(config.Version)
	o := &OfflineCache{
		version:    config.Version,
		partitions: partitions,
		provider:   config.Provider,
		network:    config.Network,
		router:     classify.NewRouter(partitions, config.APIPrefix, config.Manifest),
		log:        logger,
	}
	o.engine = strategy.NewEngine(strategy.Config{
		Provider:        config.Provider,
		Network:         config.Network,
		Eviction:        eviction.NewController(logger),
		Limits:          config.Limits.ByPartition(partitions),
		StaticPartition: partitions.Static,
		SiteURL:         config.SiteURL,
		Logger:          logger,
	})
	o.lifecycle = lifecycle.NewController(lifecycle.Config{
		Provider:    config.Provider,
		Network:     config.Network,
		Partitions:  partitions,
		SiteURL:     config.SiteURL,
		Manifest:    config.Manifest,
		Prewarm:     config.Prewarm,
		SkipWaiting: config.SkipWaiting,
		Logger:      logger,
	})
	return o
}

func (o *OfflineCache) Install(ctx context.Context) error {
	return o.lifecycle.Install(ctx)
}

func (o *OfflineCache) Activate(ctx context.Context) error {
	return o.lifecycle.Activate(ctx)
}

// HandleMessage processes a control message, see lifecycle.MessageSkipWaiting
// and lifecycle.MessageClearCaches.
func (o *OfflineCache) HandleMessage(ctx context.Context, msg string) error {
	return o.lifecycle.HandleMessage(ctx, msg)
}

// Retire stops intercepting and waits for background work to finish.
// Requests in flight are still answered, but start no background work.
func (o *OfflineCache) Retire() {
	o.lifecycle.Retire()
	o.engine.Close()
}

func (o *OfflineCache) State() lifecycle.State {
	return o.lifecycle.State()
}

func (o *OfflineCache) Controlling() bool {
	return o.lifecycle.Controlling()
}

func (o *OfflineCache) Version() string {
	return o.version
}

func (o *OfflineCache) Partitions() classify.Partitions {
	return o.partitions
}

func (o *OfflineCache) Stats() strategy.Stats {
	return o.engine.Stats()
}

// Wait blocks until background revalidations and evictions have finished.
// It must not be called concurrently with request handling, see Retire.
func (o *OfflineCache) Wait() {
	o.engine.Wait()
}

// PartitionCounts returns the number of entries of every existing partition.
func (o *OfflineCache) PartitionCounts(ctx context.Context) (map[string]int, error) {
	names, err := o.provider.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(names))
	for _, name := range names {
		p, err := o.provider.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		if counts[name], err = p.Len(ctx); err != nil {
			return nil, err
		}
	}
	return counts, nil
}

// Handle produces the response for the request, it never fails.
func (o *OfflineCache) Handle(ctx context.Context, r *http.Request) *http.Response {
	return o.handle(ctx, r, o.engine, o.network)
}

func (o *OfflineCache) handle(ctx context.Context, r *http.Request, engine *strategy.Engine, f network.Fetcher) *http.Response {
	if !o.lifecycle.Controlling() {
		res, err := f.Fetch(ctx, r)
		if err != nil {
			o.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network unavailable before activation")
			return strategy.OfflineResponse(r)
		}
		return res
	}
	return engine.Handle(ctx, r, o.router.Classify(r))
}

// RoundTrip implements http.RoundTripper.
// Network failures result in an offline response, never in an error.
func (o *OfflineCache) RoundTrip(r *http.Request) (*http.Response, error) {
	return o.Handle(r.Context(), r), nil
}

// ServeHTTP implements http.Handler, proxying to the origin.
func (o *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler{o: o, engine: o.engine, network: o.network}.ServeHTTP(w, r)
}

// Middleware intercepts requests to next, which plays the role of the origin.
func (o *OfflineCache) Middleware(next http.Handler) http.Handler {
	f := network.HandlerFetcher{Handler: next}
	return handler{o: o, engine: o.engine.WithNetwork(f), network: f}
}

type handler struct {
	o       *OfflineCache
	engine  *strategy.Engine
	network network.Fetcher
}

func (h handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer h.recover(w, r)
	res := h.o.handle(r.Context(), r, h.engine, h.network)
	send(w, res, requestLogger(r, h.o.log))
}

// recover recovers from panics and sends the request to the escape hatch.
func (h handler) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		l := requestLogger(r, h.o.log)
		l.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		h.escapeHatch(w, r, l)
	}
}

// escapeHatch just passes the request to the network.
func (h handler) escapeHatch(w http.ResponseWriter, r *http.Request, l *zerolog.Logger) {
	res, err := h.network.Fetch(r.Context(), r)
	if err != nil {
		l.Error().Err(err).Msg("Error connecting to network")
		res = strategy.OfflineResponse(r)
	}
	send(w, res, l)
}

func send(w http.ResponseWriter, res *http.Response, l *zerolog.Logger) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		l.Error().Err(err).Msg("Could not write response body to client")
	}
	l.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// requestLogger returns the logger attached to the request, if any.
func requestLogger(r *http.Request, fallback zerolog.Logger) *zerolog.Logger {
	if l := hlog.FromRequest(r); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &fallback
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

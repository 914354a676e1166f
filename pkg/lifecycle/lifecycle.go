// Package lifecycle installs, activates and retires a deployment of the cache.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/classify"
	"github.com/always-cache/offline-cache/pkg/network"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// PrewarmPolicy decides what a failing manifest entry does to the installation.
type PrewarmPolicy string

const (
	// Every entry is attempted on its own, failures are logged and skipped.
	PrewarmIndependent PrewarmPolicy = "independent"
	// Any failing entry fails the installation and nothing is stored.
	PrewarmAtomic PrewarmPolicy = "atomic"
)

// ParsePrewarmPolicy returns the policy with the given name, the default for an empty name.
func ParsePrewarmPolicy(name string) (PrewarmPolicy, error) {
	switch PrewarmPolicy(name) {
	case "", PrewarmIndependent:
		return PrewarmIndependent, nil
	case PrewarmAtomic:
		return PrewarmAtomic, nil
	}
	return "", platformerrors.WithContext(
		platformerrors.New(platformerrors.CodeInvalidConfig, "unknown prewarm policy"),
		"policy", name)
}

// Control messages.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCaches = "CLEAR_CACHES"
)

// concurrent manifest fetches
const prewarmConcurrency = 4

type Config struct {
	Provider cache.Provider
	Network  network.Fetcher
	// Current partition names. Any other partition is removed on activation.
	Partitions classify.Partitions
	// Public URL of the site, the manifest paths are resolved against it.
	SiteURL url.URL
	// Paths to pre-warm the static partition with.
	Manifest []string
	Prewarm  PrewarmPolicy
	// Activate as soon as the installation finishes.
	SkipWaiting bool
	Logger      zerolog.Logger
}

// Controller is the state machine of a deployment:
// parsed, installing, waiting, active, and finally redundant.
type Controller struct {
	config Config
	keyer  cachekey.CacheKeyer
	log    zerolog.Logger

	mutex sync.Mutex
	state State
	// activation was requested before installation finished
	skipWaiting bool
	controlling atomic.Bool
}

func NewController(config Config) *Controller {
	if config.Prewarm == "" {
		config.Prewarm = PrewarmIndependent
	}
	return &Controller{
		config: config,
		keyer:  cachekey.NewCacheKeyer(),
		log:    config.Logger.With().Str("component", "lifecycle").Logger(),
		state:  StateParsed,
	}
}

func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Controlling reports whether requests are intercepted.
// It is true from activation until retirement.
func (c *Controller) Controlling() bool {
	return c.controlling.Load()
}

func (c *Controller) transitionError(action string) error {
	return platformerrors.WithContextMap(
		platformerrors.New(platformerrors.CodeConflict, "invalid lifecycle transition"),
		map[string]interface{}{
			"action": action,
			"state":  string(c.state),
		})
}

// Install opens the static partition and pre-warms it with the manifest.
// A failed installation leaves the controller redundant.
func (c *Controller) Install(ctx context.Context) error {
	c.mutex.Lock()
	if c.state != StateParsed {
		err := c.transitionError("install")
		c.mutex.Unlock()
		return err
	}
	if len(c.config.Manifest) > 0 && !c.hasSiteURL() {
		c.state = StateRedundant
		c.mutex.Unlock()
		err := platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeInvalidConfig, "manifest needs an absolute site URL"),
			"siteURL", c.config.SiteURL.String())
		c.log.Error().Err(err).Msg("Installation failed")
		return err
	}
	c.state = StateInstalling
	c.mutex.Unlock()
	c.log.Info().Str("partition", c.config.Partitions.Static).Str("prewarm", string(c.config.Prewarm)).Msg("Installing")

	err := c.prewarm(ctx)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state != StateInstalling {
		// retired meanwhile
		return err
	}
	if err != nil {
		c.log.Error().Err(err).Msg("Installation failed")
		c.state = StateRedundant
		return err
	}
	c.state = StateWaiting
	c.log.Info().Msg("Installed, waiting for activation")
	if c.skipWaiting || c.config.SkipWaiting {
		return c.activateLocked(ctx)
	}
	return nil
}

// hasSiteURL reports whether manifest paths resolve to absolute URLs.
func (c *Controller) hasSiteURL() bool {
	return c.config.SiteURL.Scheme != "" && c.config.SiteURL.Host != ""
}

func (c *Controller) prewarm(ctx context.Context) error {
	p, err := c.config.Provider.Open(ctx, c.config.Partitions.Static)
	if err != nil {
		return err
	}
	if c.config.Prewarm == PrewarmAtomic {
		return c.prewarmAtomic(ctx, p)
	}
	c.prewarmIndependent(ctx, p)
	return nil
}

// prewarmIndependent stores whatever entries could be fetched.
func (c *Controller) prewarmIndependent(ctx context.Context, p cache.Partition) {
	var g errgroup.Group
	g.SetLimit(prewarmConcurrency)
	stored := atomic.NewInt64(0)
	for _, path := range c.config.Manifest {
		path := path
		g.Go(func() error {
			key, snap, err := c.fetch(ctx, path)
			if err == nil {
				err = c.store(ctx, p, key, snap)
			}
			if err != nil {
				c.log.Warn().Err(err).Str("path", path).Msg("Could not pre-warm entry")
				return nil
			}
			stored.Inc()
			return nil
		})
	}
	g.Wait()
	c.log.Debug().Int64("stored", stored.Load()).Int("manifest", len(c.config.Manifest)).Msg("Pre-warmed")
}

// prewarmAtomic fetches all entries first and stores them only if every fetch succeeded.
func (c *Controller) prewarmAtomic(ctx context.Context, p cache.Partition) error {
	type fetched struct {
		key  string
		snap serializer.Snapshot
	}
	results := make([]fetched, len(c.config.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prewarmConcurrency)
	for i, path := range c.config.Manifest {
		i, path := i, path
		g.Go(func() error {
			key, snap, err := c.fetch(gctx, path)
			if err != nil {
				return err
			}
			results[i] = fetched{key: key, snap: snap}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range results {
		if err := c.store(ctx, p, r.key, r.snap); err != nil {
			if _, delErr := c.config.Provider.Delete(context.WithoutCancel(ctx), p.Name()); delErr != nil {
				c.log.Error().Err(delErr).Str("partition", p.Name()).Msg("Could not remove partially pre-warmed partition")
			}
			return err
		}
	}
	c.log.Debug().Int("stored", len(results)).Msg("Pre-warmed")
	return nil
}

// fetch gets a manifest entry. Unsuccessful responses are errors.
func (c *Controller) fetch(ctx context.Context, path string) (string, serializer.Snapshot, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", serializer.Snapshot{}, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid manifest path"),
			"path", path)
	}
	key := c.keyer.KeyFor(http.MethodGet, c.config.SiteURL.ResolveReference(ref))
	req, err := c.keyer.GetRequestFromKey(key)
	if err != nil {
		return "", serializer.Snapshot{}, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid manifest path"),
			"path", path)
	}
	res, err := c.config.Network.Fetch(ctx, req.WithContext(ctx))
	if err != nil {
		return "", serializer.Snapshot{}, err
	}
	snap, err := serializer.FromResponse(res)
	if err != nil {
		return "", serializer.Snapshot{}, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeNetwork, "could not read manifest entry"),
			"path", path)
	}
	if !snap.Successful() {
		return "", serializer.Snapshot{}, platformerrors.WithContextMap(
			platformerrors.New(platformerrors.CodeNetwork, "unsuccessful manifest response"),
			map[string]interface{}{
				"path":   path,
				"status": snap.StatusCode,
			})
	}
	return key, snap, nil
}

func (c *Controller) store(ctx context.Context, p cache.Partition, key string, snap serializer.Snapshot) error {
	b, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "could not serialize manifest entry")
	}
	return p.Put(ctx, key, b)
}

// Activate removes the partitions of previous versions and claims control.
// It is only valid for an installed, waiting deployment.
func (c *Controller) Activate(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.activateLocked(ctx)
}

// The mutex must be held.
func (c *Controller) activateLocked(ctx context.Context) error {
	if c.state != StateWaiting {
		return c.transitionError("activate")
	}
	expected := make(map[string]struct{})
	for _, name := range c.config.Partitions.Names() {
		expected[name] = struct{}{}
	}
	names, err := c.config.Provider.List(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Could not list partitions")
	}
	for _, name := range names {
		if _, ok := expected[name]; ok {
			continue
		}
		if _, err := c.config.Provider.Delete(ctx, name); err != nil {
			c.log.Warn().Err(err).Str("partition", name).Msg("Could not delete stale partition")
			continue
		}
		c.log.Info().Str("partition", name).Msg("Deleted stale partition")
	}
	c.state = StateActive
	c.controlling.Store(true)
	c.log.Info().Msg("Activated")
	return nil
}

// Retire makes the deployment redundant, e.g. when a newer one took over.
func (c *Controller) Retire() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = StateRedundant
	c.controlling.Store(false)
	c.log.Info().Msg("Retired")
}

// HandleMessage processes a control message.
func (c *Controller) HandleMessage(ctx context.Context, msg string) error {
	switch msg {
	case MessageSkipWaiting:
		return c.skipWaitingNow(ctx)
	case MessageClearCaches:
		return c.clearCaches(ctx)
	}
	return platformerrors.WithContext(
		platformerrors.New(platformerrors.CodeInvalidInput, "unknown message"),
		"message", msg)
}

func (c *Controller) skipWaitingNow(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch c.state {
	case StateWaiting:
		return c.activateLocked(ctx)
	case StateParsed, StateInstalling:
		c.log.Debug().Msg("Activation requested, activating after installation")
		c.skipWaiting = true
	default:
		c.log.Debug().Str("state", string(c.state)).Msg("Ignoring activation request")
	}
	return nil
}

// clearCaches deletes every partition, whatever its version.
func (c *Controller) clearCaches(ctx context.Context) error {
	names, err := c.config.Provider.List(ctx)
	if err != nil {
		return err
	}
	errs := make([]error, 0)
	for _, name := range names {
		if _, err := c.config.Provider.Delete(ctx, name); err != nil {
			c.log.Warn().Err(err).Str("partition", name).Msg("Could not delete partition")
			errs = append(errs, err)
		}
	}
	c.log.Info().Int("partitions", len(names)-len(errs)).Msg("Cleared caches")
	return errors.Join(errs...)
}

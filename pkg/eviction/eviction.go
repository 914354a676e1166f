// Package eviction keeps partitions within their configured number of entries.
package eviction

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/classify"
)

// Limits is the maximum number of entries per store, zero means unbounded.
type Limits struct {
	Images  int `yaml:"images" json:"images"`
	Static  int `yaml:"static" json:"static"`
	Dynamic int `yaml:"dynamic" json:"dynamic"`
}

var DefaultLimits = Limits{
	Images:  50,
	Static:  20,
	Dynamic: 75,
}

// ByPartition maps the limits to the given partition names.
func (l Limits) ByPartition(p classify.Partitions) map[string]int {
	return map[string]int{
		p.Images:  l.Images,
		p.Static:  l.Static,
		p.Dynamic: l.Dynamic,
	}
}

// Controller removes the oldest entries of a partition until it is within its limit.
// The policy is strict insertion order (FIFO): reads do not refresh an entry.
type Controller struct {
	log zerolog.Logger
	wg  sync.WaitGroup

	mutex  sync.Mutex
	closed bool
}

func NewController(logger zerolog.Logger) *Controller {
	return &Controller{
		log: logger.With().Str("component", "eviction").Logger(),
	}
}

// EnforceLimit deletes the single oldest entry of the partition, re-reads the keys
// and repeats until the partition holds at most maxEntries entries.
// A limit of zero or less means unbounded.
// Concurrent writers may add entries while this runs; they are accounted for on the next round.
func (c *Controller) EnforceLimit(ctx context.Context, p cache.Partition, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	removed := 0
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return removed, err
		}
		if len(keys) <= maxEntries {
			break
		}
		oldest := keys[0]
		c.log.Trace().Str("partition", p.Name()).Str("key", oldest).Msg("Evicting entry")
		deleted, err := p.Delete(ctx, oldest)
		if err != nil {
			return removed, err
		}
		// a concurrent enforcement may have removed it already
		if deleted {
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug().Str("partition", p.Name()).Int("removed", removed).Msg("Partition trimmed")
	}
	return removed, nil
}

// Schedule enforces the limit in the background.
// Errors are logged; the caller does not wait. Nothing is scheduled once closed.
func (c *Controller) Schedule(p cache.Partition, maxEntries int) {
	if maxEntries <= 0 {
		return
	}
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		c.log.Trace().Str("partition", p.Name()).Msg("Closed, not enforcing limit")
		return
	}
	c.wg.Add(1)
	c.mutex.Unlock()
	go func() {
		defer c.wg.Done()
		if _, err := c.EnforceLimit(context.Background(), p, maxEntries); err != nil {
			c.log.Warn().Err(err).Str("partition", p.Name()).Msg("Could not enforce partition limit")
		}
	}()
}

// Wait blocks until all scheduled enforcements have finished.
// It must not be called concurrently with Schedule, use Close for that.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops scheduling and waits for the running enforcements.
// Schedule may be called concurrently, it is a no-op afterwards.
func (c *Controller) Close() {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
	c.wg.Wait()
}

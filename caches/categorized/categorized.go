// Package categorized provides the dual-tier session cache: a volatile Redis
// projection for low-latency reads over a durable SQLite source of truth.
//
// Writes go durable-first so a crash between the two tiers never loses data;
// the worst case is a stale volatile entry, which read-repair fixes. Reads
// never serve straight from the durable tier: a volatile miss loads from
// durable, repopulates the projection, and re-reads, so every read path
// re-establishes the TTL'd volatile state.
package categorized

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/saladjay/ChatCoachService-sub000/internal/metrics"
	"github.com/saladjay/ChatCoachService-sub000/pkg/cache"
	"github.com/saladjay/ChatCoachService-sub000/pkg/errors"
)

// Cache memoizes pipeline-stage outputs per session, resource, and category.
//
// Cache is safe for concurrent use by multiple goroutines. Cache operations
// on disjoint sessions are fully independent; concurrent appends to the same
// triple are last-write-wins at the storage layer.
type Cache struct {
	durable  cache.DurableStore
	volatile cache.VolatileStore
	config   Config
	logger   *slog.Logger

	// Statistics
	appends        atomic.Int64
	hits           atomic.Int64
	misses         atomic.Int64
	repairs        atomic.Int64
	volatileErrors atomic.Int64
	durableErrors  atomic.Int64
	cleanups       atomic.Int64
}

// Config holds configuration for the categorized cache.
type Config struct {
	// TTL is the shared lifetime of a session's key family, refreshed on
	// every touch (default: 1 hour).
	TTL time.Duration `yaml:"ttl"`
	// MaxTimeline bounds each (session, category) timeline; oldest entries
	// are dropped first (default: 50).
	MaxTimeline int `yaml:"max_timeline"`
	// CleanupInterval is the durable-tier sweep period (default: 10 minutes).
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             time.Hour,
		MaxTimeline:     50,
		CleanupInterval: 10 * time.Minute,
	}
}

// New creates a categorized cache over the two tiers.
func New(durable cache.DurableStore, volatile cache.VolatileStore, cfg Config, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxTimeline <= 0 {
		cfg.MaxTimeline = 50
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		durable:  durable,
		volatile: volatile,
		config:   cfg,
		logger:   logger,
	}
}

// Append writes a payload for (session, category, resource). The durable
// tier is written first in one transaction, then mirrored into the volatile
// tier; volatile failures are logged and swallowed. The returned error is
// non-nil only when the durable write failed, and carries the
// cache_unavailable kind so callers can keep going.
func (c *Cache) Append(ctx context.Context, key cache.SessionKey, cat cache.Category, resource string, payload []byte) error {
	ev := cache.Event{
		Timestamp:   time.Now(),
		ResourceKey: cache.ResourceKey(resource),
		Category:    cat,
		Payload:     payload,
	}

	if err := c.durable.Append(ctx, key, ev, resource, c.config.MaxTimeline); err != nil {
		c.durableErrors.Add(1)
		metrics.CacheOperations.WithLabelValues("append", "durable_error").Inc()
		c.logger.Error("durable append failed", "session", key.String(), "category", cat, "error", err)
		return errors.NewCacheUnavailable("append", err)
	}

	if err := c.volatile.AppendEvent(ctx, key, ev, resource, c.config.MaxTimeline); err != nil {
		c.noteVolatile("append", key, err)
	}
	c.touch(ctx, key)

	c.appends.Add(1)
	metrics.CacheOperations.WithLabelValues("append", "ok").Inc()
	return nil
}

// GetTimeline returns the ordered event list for (session, category),
// oldest first, possibly empty. A volatile miss read-repairs from the
// durable tier.
func (c *Cache) GetTimeline(ctx context.Context, key cache.SessionKey, cat cache.Category) []cache.Event {
	events, err := c.volatile.Timeline(ctx, key, cat)
	if err != nil {
		c.noteVolatile("get_timeline", key, err)
	}
	if len(events) > 0 {
		c.hit(ctx, key, "get_timeline")
		return events
	}

	stored, err := c.durable.Timeline(ctx, key, cat, c.config.MaxTimeline)
	if err != nil {
		c.noteDurable("get_timeline", key, err)
		return nil
	}
	if len(stored) == 0 {
		c.miss("get_timeline")
		return nil
	}

	c.repair(ctx, key, "get_timeline", func() error {
		return c.volatile.LoadTimeline(ctx, key, cat, stored)
	})

	if repaired, err := c.volatile.Timeline(ctx, key, cat); err == nil && len(repaired) > 0 {
		return repaired
	}
	return stored
}

// GetResourceCategoryLast returns the most recent event for one
// (session, resource, category) triple, or nil if none is known.
func (c *Cache) GetResourceCategoryLast(ctx context.Context, key cache.SessionKey, cat cache.Category, resource string) *cache.Event {
	rkey := cache.ResourceKey(resource)

	ev, err := c.volatile.ResourceLast(ctx, key, cat, rkey)
	if err != nil {
		c.noteVolatile("get_last", key, err)
	}
	if ev != nil {
		c.hit(ctx, key, "get_last")
		return ev
	}

	stored, err := c.durable.ResourceLast(ctx, key, cat, rkey)
	if err != nil {
		c.noteDurable("get_last", key, err)
		return nil
	}
	if stored == nil {
		c.miss("get_last")
		return nil
	}

	c.repair(ctx, key, "get_last", func() error {
		return c.volatile.LoadLast(ctx, key, *stored)
	})

	if repaired, err := c.volatile.ResourceLast(ctx, key, cat, rkey); err == nil && repaired != nil {
		return repaired
	}
	return stored
}

// GetResourceCategories returns everything known about one resource as a
// category -> event map, possibly empty.
func (c *Cache) GetResourceCategories(ctx context.Context, key cache.SessionKey, resource string) map[cache.Category]cache.Event {
	rkey := cache.ResourceKey(resource)

	cats, err := c.volatile.ResourceCategories(ctx, key, rkey)
	if err != nil {
		c.noteVolatile("get_categories", key, err)
	}
	if len(cats) > 0 {
		c.hit(ctx, key, "get_categories")
		return cats
	}

	stored, err := c.durable.ResourceCategories(ctx, key, rkey)
	if err != nil {
		c.noteDurable("get_categories", key, err)
		return map[cache.Category]cache.Event{}
	}
	if len(stored) == 0 {
		c.miss("get_categories")
		return stored
	}

	c.repair(ctx, key, "get_categories", func() error {
		for _, ev := range stored {
			if err := c.volatile.LoadLast(ctx, key, ev); err != nil {
				return err
			}
		}
		return nil
	})

	if repaired, err := c.volatile.ResourceCategories(ctx, key, rkey); err == nil && len(repaired) > 0 {
		return repaired
	}
	return stored
}

// ListResources returns up to limit resources for the session ordered by
// most-recent activity.
func (c *Cache) ListResources(ctx context.Context, key cache.SessionKey, limit int) []cache.Resource {
	resources, err := c.volatile.Resources(ctx, key, limit)
	if err != nil {
		c.noteVolatile("list_resources", key, err)
	}
	if len(resources) > 0 {
		c.hit(ctx, key, "list_resources")
		return resources
	}

	stored, err := c.durable.Resources(ctx, key, 0)
	if err != nil {
		c.noteDurable("list_resources", key, err)
		return nil
	}
	if len(stored) == 0 {
		c.miss("list_resources")
		return nil
	}

	c.repair(ctx, key, "list_resources", func() error {
		return c.volatile.LoadResources(ctx, key, stored)
	})

	if repaired, err := c.volatile.Resources(ctx, key, limit); err == nil && len(repaired) > 0 {
		return repaired
	}
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	return stored
}

// ClearSession deletes everything for a session from both tiers.
func (c *Cache) ClearSession(ctx context.Context, key cache.SessionKey) error {
	if err := c.volatile.DeleteSession(ctx, key); err != nil {
		c.noteVolatile("clear_session", key, err)
	}
	if err := c.durable.DeleteSession(ctx, key); err != nil {
		c.noteDurable("clear_session", key, err)
		return errors.NewCacheUnavailable("clear_session", err)
	}
	return nil
}

// ClearResource deletes one resource and its events from both tiers.
func (c *Cache) ClearResource(ctx context.Context, key cache.SessionKey, resource string) error {
	rkey := cache.ResourceKey(resource)
	if err := c.volatile.DeleteResource(ctx, key, rkey); err != nil {
		c.noteVolatile("clear_resource", key, err)
	}
	if err := c.durable.DeleteResource(ctx, key, rkey); err != nil {
		c.noteDurable("clear_resource", key, err)
		return errors.NewCacheUnavailable("clear_resource", err)
	}
	return nil
}

// RecoverOnStart rebuilds the volatile projection for every session whose
// last activity falls within the TTL window. Each rebuilt family gets the
// TTL it would have had without the restart: ttl minus elapsed, floor 1s.
func (c *Cache) RecoverOnStart(ctx context.Context) error {
	sessions, err := c.durable.ActiveSessions(ctx, c.config.TTL)
	if err != nil {
		return errors.NewCacheUnavailable("recover", err)
	}

	recovered := 0
	for _, rec := range sessions {
		remaining := c.config.TTL - time.Since(rec.LastActiveAt)
		if remaining < time.Second {
			remaining = time.Second
		}

		resources, err := c.durable.Resources(ctx, rec.Key, 0)
		if err != nil {
			c.noteDurable("recover", rec.Key, err)
			continue
		}
		if err := c.volatile.LoadResources(ctx, rec.Key, resources); err != nil {
			c.noteVolatile("recover", rec.Key, err)
			continue
		}

		cats, err := c.durable.Categories(ctx, rec.Key)
		if err != nil {
			c.noteDurable("recover", rec.Key, err)
			continue
		}
		for _, cat := range cats {
			events, err := c.durable.Timeline(ctx, rec.Key, cat, c.config.MaxTimeline)
			if err != nil {
				c.noteDurable("recover", rec.Key, err)
				continue
			}
			if err := c.volatile.LoadTimeline(ctx, rec.Key, cat, events); err != nil {
				c.noteVolatile("recover", rec.Key, err)
			}
		}

		if err := c.volatile.Touch(ctx, rec.Key, remaining); err != nil {
			c.noteVolatile("recover", rec.Key, err)
		}
		recovered++
	}

	c.logger.Info("cache recovery complete", "sessions", recovered, "scanned", len(sessions))
	return nil
}

// RunCleanupLoop sweeps expired durable-tier sessions on the configured
// interval until ctx is cancelled. Volatile entries self-expire and need no
// sweep.
func (c *Cache) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := c.durable.DeleteExpired(ctx, c.config.TTL)
			if err != nil {
				c.noteDurable("cleanup", cache.SessionKey{}, err)
				continue
			}
			if swept > 0 {
				c.cleanups.Add(int64(swept))
				metrics.CacheCleanups.Add(float64(swept))
				c.logger.Info("swept expired sessions", "count", swept)
			}
		}
	}
}

// Stats returns combined operation counters.
func (c *Cache) Stats() cache.Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return cache.Stats{
		Appends:        c.appends.Load(),
		Hits:           hits,
		Misses:         misses,
		Repairs:        c.repairs.Load(),
		VolatileErrors: c.volatileErrors.Load(),
		DurableErrors:  c.durableErrors.Load(),
		Cleanups:       c.cleanups.Load(),
		HitRate:        hitRate,
	}
}

// Close closes both tiers.
func (c *Cache) Close() error {
	if err := c.volatile.Close(); err != nil {
		c.logger.Warn("volatile close failed", "error", err)
	}
	return c.durable.Close()
}

func (c *Cache) hit(ctx context.Context, key cache.SessionKey, op string) {
	c.hits.Add(1)
	metrics.CacheOperations.WithLabelValues(op, "hit").Inc()
	c.touch(ctx, key)
}

func (c *Cache) miss(op string) {
	c.misses.Add(1)
	metrics.CacheOperations.WithLabelValues(op, "miss").Inc()
}

func (c *Cache) repair(ctx context.Context, key cache.SessionKey, op string, load func() error) {
	if err := load(); err != nil {
		c.noteVolatile(op, key, err)
		return
	}
	c.repairs.Add(1)
	metrics.CacheOperations.WithLabelValues(op, "repair").Inc()
	c.touch(ctx, key)
}

func (c *Cache) touch(ctx context.Context, key cache.SessionKey) {
	if err := c.volatile.Touch(ctx, key, c.config.TTL); err != nil {
		c.noteVolatile("touch", key, err)
	}
}

func (c *Cache) noteVolatile(op string, key cache.SessionKey, err error) {
	c.volatileErrors.Add(1)
	metrics.CacheOperations.WithLabelValues(op, "volatile_error").Inc()
	c.logger.Warn("volatile tier degraded", "op", op, "session", key.String(), "error", err)
}

func (c *Cache) noteDurable(op string, key cache.SessionKey, err error) {
	c.durableErrors.Add(1)
	metrics.CacheOperations.WithLabelValues(op, "durable_error").Inc()
	c.logger.Error("durable tier error", "op", op, "session", key.String(), "error", err)
}

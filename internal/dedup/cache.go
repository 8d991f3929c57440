// Package dedup provides a TTL-bounded deduplication cache.
//
// Each Cache owns its entry table and serializes every mutation through a
// single lock. Expired entries are removed by a background sweep that runs on
// a fixed interval, independent of the TTL of any entry.
package dedup

import (
	"log/slog"
	"sync"
	"time"
)

// Default configuration constants
const (
	// DefaultTTL is the dedup window used when a caller passes ttl <= 0.
	DefaultTTL = 10 * time.Minute
	// DefaultSweepInterval is how often expired entries are purged.
	DefaultSweepInterval = time.Minute
	// sweepBatchSize bounds how many keys one sweep deletes per lock acquisition.
	sweepBatchSize = 256
)

// Status is the outcome of CheckAndMark.
type Status int

const (
	// Fresh means the key was not present (or had expired) and is now marked.
	Fresh Status = iota
	// Duplicate means an unexpired entry already existed; nothing was changed.
	Duplicate
)

func (s Status) String() string {
	if s == Duplicate {
		return "duplicate"
	}
	return "new"
}

// Opts holds configuration options for a Cache.
type Opts struct {
	Name          string
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
}

// Option defines a configuration option for a Cache.
type Option func(*Opts)

// WithName labels the cache in log output.
func WithName(name string) Option {
	return func(o *Opts) { o.Name = name }
}

// WithDefaultTTL sets the TTL applied when callers pass ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.DefaultTTL = ttl }
}

// WithSweepInterval sets the period of the expiry sweep. A non-positive
// interval disables the background sweeper; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Opts) { o.SweepInterval = d }
}

// WithClock replaces the clock used for expiry. The default is time.Now,
// whose readings carry the monotonic clock and ignore wall-clock changes.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Cache is a concurrent TTL key store with atomic check-and-mark.
type Cache struct {
	name       string
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]time.Time // key -> expiry

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Cache and starts its sweeper.
func New(opts ...Option) *Cache {
	cfg := Opts{
		Name:          "dedup",
		DefaultTTL:    DefaultTTL,
		SweepInterval: DefaultSweepInterval,
		Clock:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Cache{
		name:       cfg.Name,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Clock,
		entries:    make(map[string]time.Time),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	slog.Debug("dedup.New: cache created", "name", c.name, "defaultTTL", c.defaultTTL, "sweepInterval", cfg.SweepInterval)

	if cfg.SweepInterval > 0 {
		go c.run(cfg.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

// CheckAndMark atomically marks key as seen for ttl unless an unexpired entry
// already exists. Under concurrent calls for the same fresh key exactly one
// caller observes Fresh.
func (c *Cache) CheckAndMark(key string, ttl time.Duration) Status {
	ttl = c.ttl(ttl)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return Duplicate
	}
	c.entries[key] = now.Add(ttl)
	return Fresh
}

// Seen reports whether key has an unexpired entry. It never mutates the cache.
func (c *Cache) Seen(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.entries[key]
	return ok && c.now().Before(exp)
}

// MarkSeen unconditionally sets the expiry of key to now + ttl.
func (c *Cache) MarkSeen(key string, ttl time.Duration) {
	ttl = c.ttl(ttl)
	c.mu.Lock()
	c.entries[key] = c.now().Add(ttl)
	c.mu.Unlock()
}

// Forget removes key so the next CheckAndMark reports Fresh.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]time.Time)
	c.mu.Unlock()
	slog.Debug("Cache.Clear: entries dropped", "name", c.name, "count", n)
}

// Count returns the number of stored entries, including expired entries the
// sweep has not removed yet.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were deleted.
func (c *Cache) Sweep() int {
	candidates := c.expiredCandidates()
	removed := 0
	for start := 0; start < len(candidates); start += sweepBatchSize {
		end := start + sweepBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		removed += c.deleteExpired(candidates[start:end])
	}
	if removed > 0 {
		slog.Debug("Cache.Sweep: expired entries removed", "name", c.name, "removed", removed, "candidates", len(candidates))
	}
	return removed
}

// expiredCandidates snapshots keys that looked expired at scan time.
func (c *Cache) expiredCandidates() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	var keys []string
	for k, exp := range c.entries {
		if !now.Before(exp) {
			keys = append(keys, k)
		}
	}
	return keys
}

// deleteExpired deletes the given keys whose current expiry has passed. The
// expiry is re-read under the write lock, so a key refreshed after the scan
// is kept.
func (c *Cache) deleteExpired(keys []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, k := range keys {
		exp, ok := c.entries[k]
		if !ok || now.Before(exp) {
			continue
		}
		delete(c.entries, k)
		removed++
	}
	return removed
}

func (c *Cache) run(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			slog.Debug("Cache.run: sweeper stopping", "name", c.name)
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close stops the sweeper and waits for it to exit. Safe to call multiple times.
// The cache stays usable; only the periodic sweep stops.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Package cache is the shared TTL key-value store. Entries are bounded by an
// LRU entry cap and by their TTL; whichever triggers first wins. An optional
// durable domain.KVStore sits behind the memory tier; its failures degrade to
// cache misses and are never surfaced to callers.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
	"github.com/AnalineS/roteirosdedispersacao/internal/observability"
)

const (
	defaultMaxEntries     = 2000
	defaultTTL            = 30 * time.Minute
	defaultBackendTimeout = 2 * time.Second
	unhealthyAfter        = 3 // consecutive backing-store failures
)

// Store is the cache contract shared by Cache and Namespace.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context, prefix string)
}

// Options configure a Cache.
type Options struct {
	MaxEntries     int
	DefaultTTL     time.Duration
	Backend        domain.KVStore // optional durable tier
	BackendTimeout time.Duration
	Now            func() time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries       int   `json:"entries"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Expirations   int64 `json:"expirations"`
	BackendErrors int64 `json:"backend_errors"`
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache
	keys     map[string]struct{}
	removing bool

	ttl            time.Duration
	backend        domain.KVStore
	backendTimeout time.Duration
	now            func() time.Time

	stats               Stats
	consecutiveFailures int
}

func New(opt Options) *Cache {
	if opt.MaxEntries <= 0 {
		opt.MaxEntries = defaultMaxEntries
	}
	if opt.DefaultTTL <= 0 {
		opt.DefaultTTL = defaultTTL
	}
	if opt.BackendTimeout <= 0 {
		opt.BackendTimeout = defaultBackendTimeout
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	c := &Cache{
		lru:            lru.New(opt.MaxEntries),
		keys:           make(map[string]struct{}),
		ttl:            opt.DefaultTTL,
		backend:        opt.Backend,
		backendTimeout: opt.BackendTimeout,
		now:            opt.Now,
	}
	c.lru.OnEvicted = func(k lru.Key, _ any) {
		delete(c.keys, k.(string))
		if !c.removing {
			c.stats.Evictions++
		}
	}
	return c
}

// Get returns the value for key. Expired entries are discarded and reported as
// a miss. A key expired in both tiers counts as one expiration.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()
	var expired bool

	c.mu.Lock()
	if v, ok := c.lru.Get(key); ok {
		e := v.(entry)
		if now.Before(e.expiresAt) {
			c.stats.Hits++
			c.mu.Unlock()
			return e.value, true
		}
		c.removeLocked(key)
		expired = true
	}
	c.mu.Unlock()

	if c.backend != nil {
		value, expiresAt, found, stale := c.backendGet(ctx, key, now)
		expired = expired || stale
		if found {
			c.mu.Lock()
			c.addLocked(key, entry{value: value, expiresAt: expiresAt})
			c.stats.Hits++
			if expired {
				c.stats.Expirations++
			}
			c.mu.Unlock()
			return value, true
		}
	}

	c.mu.Lock()
	if expired {
		c.stats.Expirations++
	}
	c.stats.Misses++
	c.mu.Unlock()
	return nil, false
}

// Set stores value for ttl. A non-positive ttl uses the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	expiresAt := c.now().Add(ttl)

	c.mu.Lock()
	c.addLocked(key, entry{value: value, expiresAt: expiresAt})
	c.mu.Unlock()

	if c.backend != nil {
		c.backendDo(ctx, "set", key, func(ctx context.Context) error {
			return c.backend.SetKV(ctx, key, value, expiresAt)
		})
	}
}

func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()

	if c.backend != nil {
		c.backendDo(ctx, "delete", key, func(ctx context.Context) error {
			return c.backend.DeleteKV(ctx, key)
		})
	}
}

// Clear removes every key starting with prefix; an empty prefix clears everything.
func (c *Cache) Clear(ctx context.Context, prefix string) {
	c.mu.Lock()
	if prefix == "" {
		c.removing = true
		c.lru.Clear()
		c.removing = false
		c.keys = make(map[string]struct{})
	} else {
		for k := range c.keys {
			if strings.HasPrefix(k, prefix) {
				c.removeLocked(k)
			}
		}
	}
	c.mu.Unlock()

	if c.backend != nil {
		c.backendDo(ctx, "clear", prefix, func(ctx context.Context) error {
			return c.backend.DeleteKVPrefix(ctx, prefix)
		})
	}
}

// Namespace returns a view whose keys are prefixed and whose TTLs are clamped
// to maxTTL (0 = no clamp).
func (c *Cache) Namespace(prefix string, maxTTL time.Duration) *Namespace {
	return &Namespace{c: c, prefix: prefix, maxTTL: maxTTL}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	return s
}

// Healthy is false once the backing store has failed several times in a row.
func (c *Cache) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures < unhealthyAfter
}

func (c *Cache) addLocked(key string, e entry) {
	c.lru.Add(key, e)
	c.keys[key] = struct{}{}
}

func (c *Cache) removeLocked(key string) {
	c.removing = true
	c.lru.Remove(key)
	c.removing = false
	delete(c.keys, key)
}

// backendGet reads key from the backing store. stale reports a row that was
// present but expired; it is deleted.
func (c *Cache) backendGet(ctx context.Context, key string, now time.Time) (value []byte, expiresAt time.Time, found, stale bool) {
	ctx, cancel := context.WithTimeout(ctx, c.backendTimeout)
	defer cancel()

	value, expiresAt, found, err := c.backend.GetKV(ctx, key)
	c.recordBackend(ctx, "get", key, err)
	if err != nil || !found {
		return nil, time.Time{}, false, false
	}
	if !now.Before(expiresAt) {
		c.backendDo(ctx, "delete", key, func(ctx context.Context) error {
			return c.backend.DeleteKV(ctx, key)
		})
		return nil, time.Time{}, false, true
	}
	return value, expiresAt, true, false
}

func (c *Cache) backendDo(ctx context.Context, op, key string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, c.backendTimeout)
	defer cancel()
	c.recordBackend(ctx, op, key, fn(ctx))
}

func (c *Cache) recordBackend(ctx context.Context, op, key string, err error) {
	c.mu.Lock()
	if err != nil {
		c.stats.BackendErrors++
		c.consecutiveFailures++
	} else {
		c.consecutiveFailures = 0
	}
	c.mu.Unlock()

	if err != nil {
		observability.LoggerFromContext(ctx).Warn("cache backing store failed",
			"op", op,
			"key", key,
			"error", err)
	}
}

// Namespace is a prefixed view over a Cache.
type Namespace struct {
	c      *Cache
	prefix string
	maxTTL time.Duration
}

func (n *Namespace) Get(ctx context.Context, key string) ([]byte, bool) {
	return n.c.Get(ctx, n.prefix+key)
}

func (n *Namespace) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if n.maxTTL > 0 && (ttl <= 0 || ttl > n.maxTTL) {
		ttl = n.maxTTL
	}
	n.c.Set(ctx, n.prefix+key, value, ttl)
}

func (n *Namespace) Delete(ctx context.Context, key string) {
	n.c.Delete(ctx, n.prefix+key)
}

func (n *Namespace) Clear(ctx context.Context, prefix string) {
	n.c.Clear(ctx, n.prefix+prefix)
}

// GetJSON decodes the cached value into T. A value that no longer decodes is
// dropped and reported as a miss.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool) {
	var out T
	raw, ok := s.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		observability.LoggerFromContext(ctx).Warn("dropping undecodable cache entry", "key", key, "error", err)
		s.Delete(ctx, key)
		var zero T
		return zero, false
	}
	return out, true
}

// SetJSON encodes v and stores it; encoding failures are logged and skipped.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("cache value not encodable", "key", key, "error", err)
		return
	}
	s.Set(ctx, key, raw, ttl)
}

var (
	_ Store = (*Cache)(nil)
	_ Store = (*Namespace)(nil)
)

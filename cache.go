package sqlgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL applies when NewMetadataCache is given ttl <= 0.
const DefaultCacheTTL = 5 * time.Minute

// Store is the byte-level backend of a MetadataCache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// MetadataCache caches discovery results as JSON. Backend failures are logged
// and treated as misses.
type MetadataCache struct {
	store  Store
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewMetadataCache stores JSON-encoded values in store with a default TTL.
func NewMetadataCache(store Store, ttl time.Duration, logger *slog.Logger) *MetadataCache {
	if store == nil {
		store = NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MetadataCache{store: store, ttl: ttl, logger: logger}
}

// TTL returns the deployment-wide entry lifetime.
func (c *MetadataCache) TTL() time.Duration {
	return c.ttl
}

// Get decodes the cached value for key into dst. It reports false on a miss.
func (c *MetadataCache) Get(ctx context.Context, key string, dst any) bool {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("cache entry undecodable", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores v under the default TTL. Failures are logged, not returned.
func (c *MetadataCache) Set(ctx context.Context, key string, v any) {
	c.SetWithTTL(ctx, key, v, c.ttl)
}

// SetWithTTL stores v for ttl. Zero means no expiry.
func (c *MetadataCache) SetWithTTL(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache entry unencodable", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Clear drops every entry the store holds.
func (c *MetadataCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// CacheKey joins the key parts with ':'. Instance, dialect and op are
// lower-cased; object names and patterns keep their case, since engines
// such as Postgres treat "Users" and "users" as different tables.
func CacheKey(instance, dialect, op string, parts ...string) string {
	key := make([]string, 0, 3+len(parts))
	for _, p := range []string{instance, dialect, op} {
		key = append(key, strings.ToLower(strings.TrimSpace(p)))
	}
	for _, p := range parts {
		key = append(key, strings.TrimSpace(p))
	}
	return strings.Join(key, ":")
}

// cached returns the value under key, calling load on a miss. Concurrent
// misses for one key share a single load. A nil cache always loads.
func cached[T any](ctx context.Context, c *MetadataCache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}

	var out T
	if c.Get(ctx, key, &out) {
		return out, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		res, err := load(ctx)
		if err != nil {
			return res, err
		}
		c.Set(ctx, key, res)
		return res, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// MemoryStore keeps entries in process. Expiry is checked on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	created time.Time
	ttl     time.Duration
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.ttl > 0 && m.now().Sub(e.created) > e.ttl {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, created: m.now(), ttl: ttl}
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]memoryEntry{}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

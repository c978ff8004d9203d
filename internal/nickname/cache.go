// Package nickname resolves normalized names to the common nickname clusters
// they belong to, e.g. "bob" and "robert".
package nickname

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of names kept in the cluster cache.
const DefaultCacheSize = 4096

// Source supplies the nickname lookup table.
type Source interface {
	// ForEachNickname calls fn with the normalized name of every row.
	ForEachNickname(ctx context.Context, fn func(name string)) error
	// ClustersForName returns the cluster IDs that contain the name.
	ClustersForName(ctx context.Context, name string) ([]string, error)
}

// Stats counts how lookups were answered.
type Stats struct {
	BloomNegatives int64 `json:"bloom_negatives"`
	CacheHits      int64 `json:"cache_hits"`
	SourceQueries  int64 `json:"source_queries"`
}

// Cache answers nickname cluster lookups. A bloom filter built from the whole
// lookup table rejects most names without touching the cache, and the
// clusters for the remaining names are kept in a bounded LRU. Cache is safe
// for concurrent use.
type Cache struct {
	source Source
	mask   uint64

	buildMu sync.Mutex
	bloom   atomic.Pointer[bloomFilter]

	clusters *lru.Cache[string, []string]

	bloomNegatives atomic.Int64
	cacheHits      atomic.Int64
	sourceQueries  atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache) error

// WithCacheSize sets the maximum number of cached names.
func WithCacheSize(size int) Option {
	return func(c *Cache) error {
		clusters, err := lru.New[string, []string](size)
		if err != nil {
			return fmt.Errorf("create nickname cluster cache: %w", err)
		}
		c.clusters = clusters
		return nil
	}
}

// WithBloomMask sets the bloom filter mask. It must be a power of two minus one.
func WithBloomMask(mask uint64) Option {
	return func(c *Cache) error {
		if mask == 0 || mask&(mask+1) != 0 {
			return fmt.Errorf("bloom mask %#x is not a power of two minus one", mask)
		}
		c.mask = mask
		return nil
	}
}

// New creates a cache over source. The bloom filter is built on first use.
func New(source Source, opts ...Option) (*Cache, error) {
	c := &Cache{
		source: source,
		mask:   DefaultBloomMask,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.clusters == nil {
		if err := WithCacheSize(DefaultCacheSize)(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Preload builds the bloom filter if it has not been built yet.
func (c *Cache) Preload(ctx context.Context) error {
	_, err := c.filter(ctx)
	return err
}

func (c *Cache) filter(ctx context.Context) (*bloomFilter, error) {
	if b := c.bloom.Load(); b != nil {
		return b, nil
	}

	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	if b := c.bloom.Load(); b != nil {
		return b, nil
	}

	b := newBloomFilter(c.mask)
	if err := c.source.ForEachNickname(ctx, b.add); err != nil {
		return nil, fmt.Errorf("preload nickname bloom filter: %w", err)
	}
	c.bloom.Store(b)
	return b, nil
}

// Clusters returns the nickname cluster IDs for a normalized name, or nil if
// the name belongs to none. The returned slice is a copy the caller may keep.
func (c *Cache) Clusters(ctx context.Context, normalizedName string) ([]string, error) {
	b, err := c.filter(ctx)
	if err != nil {
		return nil, err
	}

	if !b.mayContain(normalizedName) {
		c.bloomNegatives.Add(1)
		return nil, nil
	}

	if clusters, ok := c.clusters.Get(normalizedName); ok {
		c.cacheHits.Add(1)
		return slices.Clone(clusters), nil
	}

	c.sourceQueries.Add(1)
	clusters, err := c.source.ClustersForName(ctx, normalizedName)
	if err != nil {
		return nil, fmt.Errorf("load nickname clusters for %q: %w", normalizedName, err)
	}
	if len(clusters) == 0 {
		clusters = nil
	}

	c.clusters.Add(normalizedName, clusters)
	return slices.Clone(clusters), nil
}

// Evict drops the cached clusters for one name. The next lookup queries the
// source again.
func (c *Cache) Evict(normalizedName string) {
	c.clusters.Remove(normalizedName)
}

// Purge drops every cached cluster list but keeps the bloom filter.
func (c *Cache) Purge() {
	c.clusters.Purge()
}

// Stats returns lookup counters since the cache was created.
func (c *Cache) Stats() Stats {
	return Stats{
		BloomNegatives: c.bloomNegatives.Load(),
		CacheHits:      c.cacheHits.Load(),
		SourceQueries:  c.sourceQueries.Load(),
	}
}

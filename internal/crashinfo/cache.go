package crashinfo

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

// DefaultCacheSize is the number of parsed crashes kept when no size is configured.
const DefaultCacheSize = 1024

type cacheKey struct {
	id   int64
	proj types.Projection
}

// Cache is a bounded LRU of parsed crash info keyed by entry id and the
// projection the entry was loaded with. Cached values are shared and must
// be treated as read-only.
type Cache struct {
	lru *lru.Cache
}

// NewCache creates a cache holding up to size parsed crashes.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("crash info cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

// Get returns the parsed crash info for entry, parsing it on a miss.
func (c *Cache) Get(entry *types.CrashEntry) (*CrashInfo, error) {
	key := cacheKey{id: entry.ID, proj: entry.RawLoaded}
	key.proj.TestCase = entry.TestCase != nil
	if v, ok := c.lru.Get(key); ok {
		return v.(*CrashInfo), nil
	}
	ci, err := FromEntry(entry)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, ci)
	return ci, nil
}

// Lazy wraps Get in a Lazy so callers can defer parsing until first use.
func (c *Cache) Lazy(entry *types.CrashEntry) *Lazy[*CrashInfo] {
	return NewLazy(func() (*CrashInfo, error) { return c.Get(entry) })
}

// Invalidate drops every cached variant of a crash entry.
func (c *Cache) Invalidate(id int64) {
	for _, k := range c.lru.Keys() {
		if k.(cacheKey).id == id {
			c.lru.Remove(k)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

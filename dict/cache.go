// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dict

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheEnv is the environment variable that, when set to "off" or
// "false", disables DefaultCache.
const CacheEnv = "GORDICT_CACHE"

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Size is the maximum number of cached tables.
	Size int
	// ExpireAfterAccess evicts tables that have not been accessed for
	// the given duration. Zero disables expiry.
	ExpireAfterAccess time.Duration
	// Disabled turns every lookup into a miss; nothing is stored.
	Disabled bool
	// SoftLimit makes cached tables soft: when the Go heap exceeds
	// SoftLimit bytes, every cached table is dropped. The heap is
	// sampled at most once per PressureInterval. Zero disables the
	// check.
	SoftLimit uint64
	// PressureInterval is the minimum time between heap samples.
	// It defaults to DefaultPressureInterval.
	PressureInterval time.Duration
}

// DefaultPressureInterval is the default PressureInterval.
const DefaultPressureInterval = time.Second

// DefaultCacheOptions are the options of DefaultCache.
var DefaultCacheOptions = CacheOptions{
	Size:              500,
	ExpireAfterAccess: 12 * time.Hour,
}

// Cache memoizes loaded tables by their resolved path. A cached table
// is returned only if its content id matches the id of the table
// currently in storage; the header is re-read on every lookup, but
// entries are parsed only on a miss.
//
// The cache is an optimization: callers observe the same results
// when every lookup misses. Cached tables are shared and must not be
// mutated; write transactions open their tables directly.
type Cache struct {
	opts CacheOptions
	now  func() time.Time
	heap func() uint64

	mu      sync.Mutex
	tables  *lru.Cache[string, *cacheEntry]
	sampled time.Time
	hits    int64
	misses  int64
	evicted int64
	dropped int64
}

type cacheEntry struct {
	table    *Table
	accessed time.Time
}

// NewCache returns a new cache with the provided options.
func NewCache(opts CacheOptions) *Cache {
	if opts.Size <= 0 {
		opts.Size = DefaultCacheOptions.Size
	}
	if opts.PressureInterval <= 0 {
		opts.PressureInterval = DefaultPressureInterval
	}
	c := &Cache{opts: opts, now: time.Now, heap: heapAlloc}
	var err error
	c.tables, err = lru.NewWithEvict[string, *cacheEntry](opts.Size, func(key string, _ *cacheEntry) {
		c.evicted++
		log.Debug.Printf("dictionary cache: evicted %s", key)
	})
	if err != nil {
		// Only returned for non-positive sizes.
		panic(err)
	}
	return c
}

var (
	defaultCacheOnce sync.Once
	defaultCache     *Cache
)

// DefaultCache returns the process-wide cache. It is disabled if the
// environment variable GORDICT_CACHE is "off" or "false".
func DefaultCache() *Cache {
	defaultCacheOnce.Do(func() {
		opts := DefaultCacheOptions
		switch strings.ToLower(os.Getenv(CacheEnv)) {
		case "off", "false", "0":
			opts.Disabled = true
		}
		defaultCache = NewCache(opts)
	})
	return defaultCache
}

// Get returns the table at path, failing with errors.NotExist if
// it does not exist.
func (c *Cache) Get(ctx context.Context, reader storage.FileReader, path string) (*Table, error) {
	return c.get(ctx, reader, path, false)
}

// GetOrCreate returns the table at path. If the table does not
// exist, a new, empty table is returned. Empty tables have no content
// id and are never cached.
func (c *Cache) GetOrCreate(ctx context.Context, reader storage.FileReader, path string) (*Table, error) {
	return c.get(ctx, reader, path, true)
}

func (c *Cache) get(ctx context.Context, reader storage.FileReader, path string, create bool) (*Table, error) {
	fresh, err := Open(ctx, reader, path, create)
	if err != nil {
		return nil, err
	}
	if c == nil || c.opts.Disabled {
		return fresh, nil
	}
	key := fresh.Path()
	c.mu.Lock()
	defer c.mu.Unlock()
	if fresh.ID() == "" {
		c.tables.Remove(key)
		return fresh, nil
	}
	now := c.now()
	c.relieve(now)
	if e, ok := c.tables.Get(key); ok {
		switch {
		case e.table.ID() != fresh.ID():
			log.Debug.Printf("dictionary cache: %s: stale (id %s, now %s)", key, e.table.ID(), fresh.ID())
		case c.expired(e, now):
			log.Debug.Printf("dictionary cache: %s: expired", key)
		default:
			e.accessed = now
			c.hits++
			return e.table, nil
		}
	}
	c.misses++
	c.tables.Add(key, &cacheEntry{table: fresh, accessed: now})
	return fresh, nil
}

func (c *Cache) expired(e *cacheEntry, now time.Time) bool {
	return c.opts.ExpireAfterAccess > 0 && now.Sub(e.accessed) > c.opts.ExpireAfterAccess
}

// Update stores t, which has just been saved, in the cache,
// replacing any previous version. Tables without a content id are
// removed instead.
func (c *Cache) Update(t *Table) {
	if c == nil || c.opts.Disabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.ID() == "" {
		c.tables.Remove(t.Path())
		return
	}
	now := c.now()
	c.relieve(now)
	c.tables.Add(t.Path(), &cacheEntry{table: t, accessed: now})
}

// relieve drops every cached table if the heap exceeds the soft
// limit. It must be called with c.mu held.
func (c *Cache) relieve(now time.Time) {
	if c.opts.SoftLimit == 0 || now.Sub(c.sampled) < c.opts.PressureInterval {
		return
	}
	c.sampled = now
	heap := c.heap()
	if heap <= c.opts.SoftLimit || c.tables.Len() == 0 {
		return
	}
	n := c.tables.Len()
	c.tables.Purge()
	c.dropped += int64(n)
	log.Printf("dictionary cache: heap %s exceeds soft limit %s: dropped %d tables",
		data.Size(heap), data.Size(c.opts.SoftLimit), n)
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// Remove evicts the table at path.
func (c *Cache) Remove(reader storage.FileReader, path string) {
	if c == nil {
		return
	}
	if reader == nil {
		reader = storage.Default
	}
	c.mu.Lock()
	c.tables.Remove(reader.Resolve(path))
	c.mu.Unlock()
}

// Len returns the number of cached tables.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables.Len()
}

// CacheStats reports cache activity. Evicted counts tables removed
// to make room or by Remove; Dropped counts tables dropped under
// memory pressure.
type CacheStats struct {
	Hits, Misses, Evicted, Dropped int64
}

// Stats returns the cache's activity counters.
func (c *Cache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{c.hits, c.misses, c.evicted - c.dropped, c.dropped}
}

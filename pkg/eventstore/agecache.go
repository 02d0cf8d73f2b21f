package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ageCacheEntry is the resolved state of a single cache slot: the
// stream's max_age (nil means "no metadata set", a cacheable sentinel
// distinct from "not yet loaded") and when it was cached.
type ageCacheEntry struct {
	maxAge   *uint32
	cachedAt time.Time
}

// ageCacheLoad is a pending load shared by every concurrent GetMaxAge
// call for the same absent key, so they coalesce to one engine read.
type ageCacheLoad struct {
	done chan struct{}
	val  *uint32
	err  error
}

// MetadataAgeCache maps stream_id -> (max_age_seconds?, cached_at),
// refreshing entries lazily after expiry and evicting LRU entries once
// the configured capacity is exceeded. It is process-wide within one
// store instance and is never shared across instances.
type MetadataAgeCache struct {
	engine StorageEngine
	expiry time.Duration
	clock  Clock

	mu      sync.Mutex
	entries *lru.Cache
	loading map[StreamID]*ageCacheLoad
}

// NewMetadataAgeCache builds a cache backed by engine, bounded to
// maxSize entries, with TTL expiry.
func NewMetadataAgeCache(engine StorageEngine, maxSize int, expiry time.Duration, clock Clock) (*MetadataAgeCache, error) {
	if maxSize <= 0 {
		maxSize = 1
	}
	entries, err := lru.New(maxSize)
	if err != nil {
		return nil, fmt.Errorf("eventstore: new age cache: %w", err)
	}
	if clock == nil {
		clock = SystemClock
	}
	return &MetadataAgeCache{
		engine:  engine,
		expiry:  expiry,
		clock:   clock,
		entries: entries,
		loading: make(map[StreamID]*ageCacheLoad),
	}, nil
}

// GetMaxAge returns the cached max_age for streamID, reloading via the
// engine if the cached value is absent or stale. Concurrent calls for
// the same absent key coalesce to a single underlying load.
func (c *MetadataAgeCache) GetMaxAge(ctx context.Context, streamID StreamID) (*uint32, error) {
	c.mu.Lock()
	if v, ok := c.entries.Get(streamID); ok {
		entry := v.(*ageCacheEntry)
		if c.clock().Sub(entry.cachedAt) < c.expiry {
			c.mu.Unlock()
			return entry.maxAge, nil
		}
	}

	if load, ok := c.loading[streamID]; ok {
		c.mu.Unlock()
		return waitForLoad(ctx, load)
	}

	load := &ageCacheLoad{done: make(chan struct{})}
	c.loading[streamID] = load
	c.mu.Unlock()

	val, err := c.load(ctx, streamID)

	c.mu.Lock()
	delete(c.loading, streamID)
	if err == nil {
		c.entries.Add(streamID, &ageCacheEntry{maxAge: val, cachedAt: c.clock()})
	}
	c.mu.Unlock()

	load.val, load.err = val, err
	close(load.done)
	return val, err
}

func waitForLoad(ctx context.Context, load *ageCacheLoad) (*uint32, error) {
	select {
	case <-load.done:
		return load.val, load.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MetadataAgeCache) load(ctx context.Context, streamID StreamID) (*uint32, error) {
	meta, err := c.engine.GetStreamMetadataInternal(ctx, streamID)
	if err != nil {
		return nil, newEngineError("get_stream_metadata", err)
	}
	return meta.MaxAgeSeconds, nil
}

// Len reports the number of streams currently cached.
func (c *MetadataAgeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

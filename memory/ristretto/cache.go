// Package ristretto implements the cache store adapter. Entries are
// ephemeral: TTL expiry or admission-policy eviction is never data loss,
// the durable store stays authoritative.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/mnemod/mnemod/memory"
)

// AdapterName identifies this adapter in the registry and in health logs.
const AdapterName = "ristretto-cache"

// Key prefixes keep primed records and opaque cache entries from colliding.
const (
	recordKeyPrefix = "record:"
	kvKeyPrefix     = "kv:"
)

// Options tunes the underlying ristretto cache.
type Options struct {
	// NumCounters is the number of keys to track frequency for.
	NumCounters int64
	// MaxCost bounds total cache cost (bytes for kv entries, 1 per record).
	MaxCost int64
	// RecordTTL is the expiry applied to primed records.
	RecordTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.NumCounters <= 0 {
		o.NumCounters = 100_000
	}
	if o.MaxCost <= 0 {
		o.MaxCost = 64 << 20
	}
	if o.RecordTTL <= 0 {
		o.RecordTTL = 10 * time.Minute
	}
	return o
}

// Cache adapts ristretto to the backend capability interface.
type Cache struct {
	cache  *ristretto.Cache
	opts   Options
	logger zerolog.Logger
}

// New creates the cache adapter.
func New(opts Options, logger zerolog.Logger) (*Cache, error) {
	opts = opts.withDefaults()
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.NumCounters,
		MaxCost:     opts.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		cache:  rc,
		opts:   opts,
		logger: logger.With().Str("component", "ristretto_cache").Logger(),
	}, nil
}

func (c *Cache) Name() string      { return AdapterName }
func (c *Cache) Kind() memory.Kind { return memory.KindCache }

func (c *Cache) Capabilities() []memory.Capability {
	return []memory.Capability{memory.CapPut, memory.CapGet, memory.CapDelete}
}

// Put primes a record with the configured record TTL.
func (c *Cache) Put(ctx context.Context, rec *memory.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return memory.NewBackendError(memory.CodeInvalidQuery, AdapterName, "record has no id", nil)
	}
	c.cache.SetWithTTL(recordKeyPrefix+rec.ID, rec, 1, c.opts.RecordTTL)
	// Sets are buffered; Wait makes the write visible before returning so a
	// prime is observable by the next read.
	c.cache.Wait()
	return nil
}

// Get returns a primed record, or record_not_found on a miss. A miss is
// normal here; the coordinator falls through to the durable store.
func (c *Cache) Get(ctx context.Context, id string) (*memory.MemoryRecord, error) {
	v, ok := c.cache.Get(recordKeyPrefix + id)
	if !ok {
		return nil, memory.NewBackendError(memory.CodeRecordNotFound, AdapterName, "record not cached", nil)
	}
	rec, ok := v.(*memory.MemoryRecord)
	if !ok {
		return nil, memory.NewBackendError(memory.CodeRecordNotFound, AdapterName, "unexpected cache entry type", nil)
	}
	return rec, nil
}

// Delete drops a primed record. Deleting an absent id is a no-op.
func (c *Cache) Delete(ctx context.Context, id string) error {
	c.cache.Del(recordKeyPrefix + id)
	return nil
}

// CachePut stores an opaque value blob under key with the given TTL.
func (c *Cache) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.RecordTTL
	}
	cost := int64(len(value))
	if cost == 0 {
		cost = 1
	}
	c.cache.SetWithTTL(kvKeyPrefix+key, value, cost, ttl)
	c.cache.Wait()
	return nil
}

// CacheGet returns the value for key. Expired or absent keys are a miss
// (ok=false), never an error.
func (c *Cache) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.cache.Get(kvKeyPrefix + key)
	if !ok {
		return nil, false, nil
	}
	value, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}

// CacheDelete drops an opaque entry.
func (c *Cache) CacheDelete(ctx context.Context, key string) error {
	c.cache.Del(kvKeyPrefix + key)
	return nil
}

// Ping reports readiness; ristretto runs in-process.
func (c *Cache) Ping(ctx context.Context) error { return nil }

// Close releases the cache's internal goroutines.
func (c *Cache) Close() error {
	c.cache.Close()
	return nil
}

package memory

import (
	"context"
	"time"
)

// Kind identifies the storage technology class behind an adapter.
type Kind string

const (
	KindDurable Kind = "durable"
	KindVector  Kind = "vector"
	KindCache   Kind = "cache"
)

// Capability tags one operation an adapter supports. Adapters declare their
// capabilities up front; the registry only dispatches declared operations.
type Capability string

const (
	CapPut     Capability = "put"
	CapGet     Capability = "get"
	CapDelete  Capability = "delete"
	CapNearest Capability = "nearest"
	CapScan    Capability = "scan"
)

// Backend is the uniform capability interface over a concrete storage
// technology. Calling an operation the adapter did not declare is a
// programming error and returns ErrNotSupported-style failures from the
// adapter itself; the registry never routes such calls.
type Backend interface {
	// Name uniquely identifies this adapter instance for health tracking
	// and logging.
	Name() string
	Kind() Kind
	Capabilities() []Capability

	Put(ctx context.Context, record *MemoryRecord) error
	Get(ctx context.Context, id string) (*MemoryRecord, error)
	Delete(ctx context.Context, id string) error

	// Ping is the lightweight no-op health check used by the probe loop.
	Ping(ctx context.Context) error
	Close() error
}

// VectorBackend is implemented by adapters that can answer approximate
// nearest-neighbor queries. Content and metadata ride through as opaque
// payload; the durable store stays authoritative for both.
type VectorBackend interface {
	Backend
	Nearest(ctx context.Context, embedding []float32, topK int) ([]Candidate, error)
}

// DurableBackend is implemented by the authoritative store. Scan serves
// metadata-only queries and the fallback search path.
type DurableBackend interface {
	Backend
	Scan(ctx context.Context, filters Filters, limit int) ([]*MemoryRecord, error)
}

// CacheBackend is implemented by the ephemeral store. Besides priming records
// it holds opaque key/value entries with a TTL; a missing or expired key is a
// miss, never an error.
type CacheBackend interface {
	Backend
	CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	CacheDelete(ctx context.Context, key string) error
}

// HasCapability reports whether the adapter declared cap.
func HasCapability(b Backend, cap Capability) bool {
	for _, c := range b.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}

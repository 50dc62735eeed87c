package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// stubEmbedder returns a fixed-width vector derived from the text length.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1.0, 0.5}, nil
}

func (stubEmbedder) Dimensions() int { return 3 }

// constEmbedder returns the same vector for every input, which forces every
// similarity comparison into a tie. Useful for exercising tie-break order.
type constEmbedder struct{}

func (constEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (constEmbedder) Dimensions() int { return 3 }

// failingEmbedder simulates a transient provider outage.
type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("provider unavailable")
}

func (failingEmbedder) Dimensions() int { return 3 }

// semanticEmbedder creates embeddings based on word content to simulate
// semantic similarity: texts with overlapping words get similar vectors.
// Deterministic, no external services.
type semanticEmbedder struct {
	dimensions int
}

func (e *semanticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := strings.Fields(strings.ToLower(text))
	embedding := make([]float32, e.dimensions)
	if len(words) == 0 {
		return embedding, nil
	}

	for _, word := range words {
		h := fnv.New32a()
		if _, err := h.Write([]byte(word)); err != nil {
			return nil, err
		}
		hash := h.Sum32()
		for i := 0; i < 3; i++ {
			dim := int((hash + uint32(i)*2654435761) % uint32(e.dimensions)) //nolint:gosec // test code
			embedding[dim] += float32(math.Sin(float64(hash+uint32(i))*0.1) + 1.0)
		}
	}

	var magnitude float32
	for _, val := range embedding {
		magnitude += val * val
	}
	magnitude = float32(math.Sqrt(float64(magnitude)))
	if magnitude > 0 {
		for i := range embedding {
			embedding[i] /= magnitude
		}
	}
	return embedding, nil
}

func (e *semanticEmbedder) Dimensions() int { return e.dimensions }

// fakeDurable is an in-memory authoritative store with error injection.
type fakeDurable struct {
	mu      sync.Mutex
	records map[string]*MemoryRecord
	failPut bool
	failAll bool
	// putDelay makes Put wait, honoring the context, for timeout tests.
	putDelay time.Duration
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{records: make(map[string]*MemoryRecord)}
}

func (f *fakeDurable) Name() string { return "fake-durable" }
func (f *fakeDurable) Kind() Kind   { return KindDurable }

func (f *fakeDurable) Capabilities() []Capability {
	return []Capability{CapPut, CapGet, CapDelete, CapScan}
}

func (f *fakeDurable) Put(ctx context.Context, rec *MemoryRecord) error {
	if f.putDelay > 0 {
		select {
		case <-time.After(f.putDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut || f.failAll {
		return errors.New("durable down")
	}
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeDurable) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("durable down")
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, NewBackendError(CodeRecordNotFound, f.Name(), "record not found", nil)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeDurable) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("durable down")
	}
	if _, ok := f.records[id]; !ok {
		return NewBackendError(CodeRecordNotFound, f.Name(), "record not found", nil)
	}
	delete(f.records, id)
	return nil
}

func (f *fakeDurable) Scan(ctx context.Context, filters Filters, limit int) ([]*MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("durable down")
	}
	var out []*MemoryRecord
	for _, rec := range f.records {
		if MatchFilters(rec.Meta, filters) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDurable) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("durable down")
	}
	return nil
}

func (f *fakeDurable) Close() error { return nil }

func (f *fakeDurable) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeVector is an in-memory vector index with cosine scoring.
type fakeVector struct {
	mu      sync.Mutex
	name    string
	records map[string]*MemoryRecord
	fail    bool
	// delay makes Nearest block, for exercising deadline handling.
	delay time.Duration
	// entered, when set, receives the record id as Put begins; gate, when
	// set, blocks Put until closed. Together they let tests hold a worker
	// inside a propagation job.
	entered chan string
	gate    chan struct{}
}

func newFakeVector(name string) *fakeVector {
	return &fakeVector{name: name, records: make(map[string]*MemoryRecord)}
}

func (f *fakeVector) Name() string { return f.name }
func (f *fakeVector) Kind() Kind   { return KindVector }

func (f *fakeVector) Capabilities() []Capability {
	return []Capability{CapPut, CapNearest, CapDelete}
}

func (f *fakeVector) Put(ctx context.Context, rec *MemoryRecord) error {
	if f.entered != nil {
		f.entered <- rec.ID
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("vector down")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("record %s has no embedding", rec.ID)
	}
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeVector) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	return nil, NewBackendError(CodeRecordNotFound, f.name, "vector store does not serve gets", nil)
}

func (f *fakeVector) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("vector down")
	}
	delete(f.records, id)
	return nil
}

func (f *fakeVector) Nearest(ctx context.Context, embedding []float32, topK int) ([]Candidate, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("vector down")
	}
	var out []Candidate
	for _, rec := range f.records {
		out = append(out, Candidate{
			RecordID:  rec.ID,
			Content:   rec.Content,
			Score:     SimilarityScore(embedding, rec.Embedding),
			Meta:      rec.Meta,
			CreatedAt: rec.CreatedAt,
			Backend:   f.name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeVector) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("vector down")
	}
	return nil
}

func (f *fakeVector) Close() error { return nil }

func (f *fakeVector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeVector) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok
}

func (f *fakeVector) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// fakeCache is a map-backed cache with TTL bookkeeping.
type fakeCache struct {
	mu      sync.Mutex
	records map[string]*MemoryRecord
	kv      map[string]cacheVal
}

type cacheVal struct {
	value   []byte
	expires time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		records: make(map[string]*MemoryRecord),
		kv:      make(map[string]cacheVal),
	}
}

func (f *fakeCache) Name() string { return "fake-cache" }
func (f *fakeCache) Kind() Kind   { return KindCache }

func (f *fakeCache) Capabilities() []Capability {
	return []Capability{CapPut, CapGet, CapDelete}
}

func (f *fakeCache) Put(ctx context.Context, rec *MemoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeCache) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, NewBackendError(CodeRecordNotFound, f.Name(), "record not cached", nil)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeCache) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeCache) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = cacheVal{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (f *fakeCache) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok || time.Now().After(v.expires) {
		return nil, false, nil
	}
	return v.value, true, nil
}

func (f *fakeCache) CacheDelete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kv, key)
	return nil
}

func (f *fakeCache) Ping(ctx context.Context) error { return nil }
func (f *fakeCache) Close() error                   { return nil }

func (f *fakeCache) hasRecord(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok
}

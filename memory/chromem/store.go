// Package chromem implements the vector store adapter on chromem-go, a pure
// Go embedded vector database. Content and metadata ride through as opaque
// payload so nearest-neighbor hits can be ranked and filtered without a
// round-trip to the durable store.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/mnemod/mnemod/memory"
)

// AdapterName identifies this adapter in the registry and in health logs.
const AdapterName = "chromem-vector"

const defaultCollection = "memory_records"

// Store indexes record embeddings in a chromem collection.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	dimensions int
	logger     zerolog.Logger
}

// New creates an in-memory vector store. dimensions must match the
// embedder's output; the mismatch check happens at startup in config.Build.
func New(dimensions int, logger zerolog.Logger) (*Store, error) {
	return newStore(chromem.NewDB(), dimensions, logger)
}

// NewPersistent creates a vector store backed by a chromem persistence
// directory, so the index survives restarts without a re-propagation pass.
func NewPersistent(path string, dimensions int, logger zerolog.Logger) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open persistent chromem db: %w", err)
	}
	return newStore(db, dimensions, logger)
}

func newStore(db *chromem.DB, dimensions int, logger zerolog.Logger) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", dimensions)
	}
	// No embedding func: the coordinator always supplies embeddings.
	col, err := db.GetOrCreateCollection(defaultCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Store{
		db:         db,
		collection: col,
		dimensions: dimensions,
		logger:     logger.With().Str("component", "chromem_store").Logger(),
	}, nil
}

func (s *Store) Name() string      { return AdapterName }
func (s *Store) Kind() memory.Kind { return memory.KindVector }

func (s *Store) Capabilities() []memory.Capability {
	return []memory.Capability{memory.CapPut, memory.CapNearest, memory.CapDelete}
}

// Dimensions returns the configured embedding dimension.
func (s *Store) Dimensions() int { return s.dimensions }

// Put indexes a record. Degraded records (no embedding) are rejected; they
// are never candidates for similarity search.
func (s *Store) Put(ctx context.Context, rec *memory.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record has no id")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("record %s has no embedding", rec.ID)
	}
	if len(rec.Embedding) != s.dimensions {
		return fmt.Errorf("embedding dimension %d does not match configured %d", len(rec.Embedding), s.dimensions)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata:  encodeMetadata(rec),
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	s.logger.Debug().Str("record_id", rec.ID).Msg("Record indexed")
	return nil
}

// Get is declared for interface completeness but the vector store is never
// authoritative; the registry only routes declared capabilities here.
func (s *Store) Get(ctx context.Context, id string) (*memory.MemoryRecord, error) {
	return nil, memory.NewBackendError(memory.CodeRecordNotFound, AdapterName, "vector store does not serve gets", nil)
}

// Delete removes a record's index entry. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Nearest returns up to topK approximate nearest neighbors for the query
// embedding, scored on the [0,1] cosine scale.
func (s *Store) Nearest(ctx context.Context, embedding []float32, topK int) ([]memory.Candidate, error) {
	if len(embedding) != s.dimensions {
		return nil, fmt.Errorf("query dimension %d does not match configured %d", len(embedding), s.dimensions)
	}
	if topK <= 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	candidates := make([]memory.Candidate, 0, len(results))
	for _, res := range results {
		meta, createdAt := decodeMetadata(res.Metadata)
		candidates = append(candidates, memory.Candidate{
			RecordID:  res.ID,
			Content:   res.Content,
			Score:     memory.ClampScore(float64(res.Similarity)),
			Meta:      meta,
			CreatedAt: createdAt,
			Backend:   AdapterName,
		})
	}
	s.logger.Debug().
		Int("top_k", topK).
		Int("returned", len(candidates)).
		Msg("Nearest query completed")
	return candidates, nil
}

// Ping reports readiness. chromem runs in-process, so a constructed store is
// always reachable.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op; chromem persists writes as they happen.
func (s *Store) Close() error { return nil }

func encodeMetadata(rec *memory.MemoryRecord) map[string]string {
	meta := map[string]string{
		"category":   rec.Meta.Category,
		"importance": strconv.Itoa(rec.Meta.Importance),
		"owner":      rec.Meta.Owner,
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(rec.Meta.Tags) > 0 {
		if b, err := json.Marshal(rec.Meta.Tags); err == nil {
			meta["tags"] = string(b)
		}
	}
	return meta
}

func decodeMetadata(m map[string]string) (memory.Metadata, time.Time) {
	meta := memory.Metadata{
		Category: m["category"],
		Owner:    m["owner"],
	}
	if n, err := strconv.Atoi(m["importance"]); err == nil {
		meta.Importance = n
	}
	if raw := m["tags"]; raw != "" {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err == nil {
			meta.Tags = tags
		}
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	return meta, createdAt
}

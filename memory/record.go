package memory

import (
	"strconv"
	"time"
)

// Importance bounds for record metadata.
const (
	MinImportance = 1
	MaxImportance = 10
)

// Metadata carries the structured attributes of a memory record.
type Metadata struct {
	Category   string   `json:"category,omitempty"`
	Importance int      `json:"importance,omitempty"` // 1..10
	Tags       []string `json:"tags,omitempty"`
	Owner      string   `json:"owner,omitempty"`
}

// MemoryRecord is the durable unit of memory. Records are immutable once
// embedded; updates are delete+create so content and embedding never diverge.
type MemoryRecord struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"embedding,omitempty"` // nil = degraded record
	Meta          Metadata  `json:"metadata"`
	OriginBackend string    `json:"origin_backend,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Degraded reports whether the record was stored without an embedding.
// Degraded records are reachable only through metadata scans.
func (r *MemoryRecord) Degraded() bool {
	return len(r.Embedding) == 0
}

// Filters maps a metadata key to the set of accepted values. Keys are
// conjunctive; values for one key are alternatives. Supported keys:
// "category", "owner", "importance" and "tag" (set containment).
type Filters map[string][]string

// SearchQuery describes one similarity search. Exactly one of QueryText and
// QueryEmbedding must be set.
type SearchQuery struct {
	QueryText           string    `json:"query,omitempty"`
	QueryEmbedding      []float32 `json:"query_embedding,omitempty"`
	TopK                int       `json:"limit"`
	SimilarityThreshold float64   `json:"threshold"`
	Filters             Filters   `json:"filters,omitempty"`
}

// SearchResult is one ranked hit. Scored distinguishes "no similarity was
// computed" (metadata-only fallback) from a genuine score of 0.
type SearchResult struct {
	RecordID        string    `json:"memory_id"`
	Content         string    `json:"content"`
	SimilarityScore float64   `json:"similarity_score"`
	Scored          bool      `json:"scored"`
	Meta            Metadata  `json:"metadata"`
	CreatedAt       time.Time `json:"created_at"`
}

// SearchResponse wraps the ordered results. Partial is set when the caller's
// deadline expired before every vector adapter answered; the results returned
// are whatever was gathered and ranked by then.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Partial bool           `json:"partial"`
}

// CacheEntry is an ephemeral value held by the cache backend. It is keyed
// independently of record ids and may vanish at any time.
type CacheEntry struct {
	Key   string        `json:"key"`
	Value []byte        `json:"value"`
	TTL   time.Duration `json:"ttl"`
}

// Candidate is a raw nearest-neighbor hit from a vector adapter, before
// filtering, threshold application and merging.
type Candidate struct {
	RecordID  string
	Content   string
	Score     float64
	Meta      Metadata
	CreatedAt time.Time
	Backend   string
}

// MatchFilters applies the exact-match filter predicate to a record's
// metadata. An empty filter set matches everything.
func MatchFilters(meta Metadata, f Filters) bool {
	for key, accepted := range f {
		if len(accepted) == 0 {
			continue
		}
		switch key {
		case "category":
			if !containsString(accepted, meta.Category) {
				return false
			}
		case "owner":
			if !containsString(accepted, meta.Owner) {
				return false
			}
		case "importance":
			if !containsString(accepted, strconv.Itoa(meta.Importance)) {
				return false
			}
		case "tag", "tags":
			// Every requested tag must be present on the record.
			for _, want := range accepted {
				if !containsString(meta.Tags, want) {
					return false
				}
			}
		default:
			// Unknown filter keys never match; a typo must not widen results.
			return false
		}
	}
	return true
}

func containsString(vals []string, want string) bool {
	for _, v := range vals {
		if v == want {
			return true
		}
	}
	return false
}

package memory

import (
	"sort"

	"github.com/samber/lo"
)

// Ranker merges nearest-neighbor candidates from one or more vector adapters
// into a single ordered result list.
type Ranker struct{}

// Merge deduplicates candidates (keeping the highest score seen for a record),
// drops those below the similarity threshold or failing the filters, sorts by
// score descending with importance then recency as tie-breaks, and truncates
// to topK only after the full merge so that no above-threshold candidate is
// dropped before comparison against all others.
func (Ranker) Merge(candidates []Candidate, q *SearchQuery) []SearchResult {
	best := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		if c.Score < q.SimilarityThreshold {
			continue
		}
		if !MatchFilters(c.Meta, q.Filters) {
			continue
		}
		if prev, ok := best[c.RecordID]; !ok || c.Score > prev.Score {
			best[c.RecordID] = c
		}
	}

	results := lo.Map(lo.Values(best), func(c Candidate, _ int) SearchResult {
		return SearchResult{
			RecordID:        c.RecordID,
			Content:         c.Content,
			SimilarityScore: c.Score,
			Scored:          true,
			Meta:            c.Meta,
			CreatedAt:       c.CreatedAt,
		}
	})

	SortResults(results)

	if q.TopK > 0 && len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results
}

// Unscored converts scanned records into unscored results ordered by the
// tie-break rule only (importance descending, then most recent first).
func (Ranker) Unscored(records []*MemoryRecord, q *SearchQuery) []SearchResult {
	results := make([]SearchResult, 0, len(records))
	for _, rec := range records {
		if !MatchFilters(rec.Meta, q.Filters) {
			continue
		}
		results = append(results, SearchResult{
			RecordID:        rec.ID,
			Content:         rec.Content,
			SimilarityScore: 0,
			Scored:          false,
			Meta:            rec.Meta,
			CreatedAt:       rec.CreatedAt,
		})
	}

	SortResults(results)

	if q.TopK > 0 && len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results
}

// SortResults orders results by similarity score (non-increasing), breaking
// ties by importance descending, then creation time descending.
func SortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		if a.Meta.Importance != b.Meta.Importance {
			return a.Meta.Importance > b.Meta.Importance
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

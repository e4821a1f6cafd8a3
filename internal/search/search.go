// Package search finds claims similar to a given claim. Vectors live in
// Postgres (claim_embeddings) and are mirrored to Qdrant by the outbox
// worker; when Qdrant is not configured the Postgres copy is queried
// directly.
package search

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
)

// DefaultLimit is how many neighbours a lookup returns when the caller
// passes a non-positive limit.
const DefaultLimit = 10

// Result holds a claim ID and its raw similarity score from the index.
// The caller hydrates outcomes from Postgres (source of truth).
type Result struct {
	ClaimID uuid.UUID
	Score   float32
}

// CaseFinder performs org-scoped nearest-neighbour search over claim
// embeddings. Implementations must be safe for concurrent use.
type CaseFinder interface {
	// FindSimilar returns claim IDs similar to embedding within an org.
	// excludeID is removed from results (the claim being evaluated).
	FindSimilar(ctx context.Context, orgID uuid.UUID, embedding []float32, excludeID uuid.UUID, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Rank turns raw hits into similar cases: scores are clamped to [0, 1],
// hits below minScore are dropped, outcomes are attached where known, and
// the result is sorted by score descending then claim ID and truncated to
// limit. The result is never nil.
func Rank(results []Result, outcomes map[uuid.UUID]model.ObservedResult, minScore float64, limit int) []model.SimilarCase {
	if limit <= 0 {
		limit = DefaultLimit
	}
	out := make([]model.SimilarCase, 0, len(results))
	seen := make(map[uuid.UUID]bool, len(results))
	for _, r := range results {
		if seen[r.ClaimID] {
			continue
		}
		seen[r.ClaimID] = true

		score := model.Clamp01(float64(r.Score))
		if score < minScore {
			continue
		}
		sc := model.SimilarCase{ClaimID: r.ClaimID, Score: score}
		if res, ok := outcomes[r.ClaimID]; ok {
			sc.Outcome = &res
		}
		out = append(out, sc)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ClaimID.String() < out[j].ClaimID.String()
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ClaimIDs returns the IDs of results in order.
func ClaimIDs(results []Result) []uuid.UUID {
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.ClaimID
	}
	return ids
}

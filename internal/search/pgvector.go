package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/shinsa/internal/storage"
)

// EmbeddingStore is the slice of storage the Postgres finder needs.
type EmbeddingStore interface {
	FindSimilarClaims(ctx context.Context, orgID uuid.UUID, emb pgvector.Vector, excludeID uuid.UUID, limit int) ([]storage.SimilarClaim, error)
	Ping(ctx context.Context) error
}

// PGVectorFinder queries claim_embeddings directly. It is used when no
// Qdrant index is configured.
type PGVectorFinder struct {
	store EmbeddingStore
}

var _ CaseFinder = (*PGVectorFinder)(nil)

// NewPGVectorFinder creates a finder over store.
func NewPGVectorFinder(store EmbeddingStore) *PGVectorFinder {
	return &PGVectorFinder{store: store}
}

// FindSimilar implements CaseFinder.
func (f *PGVectorFinder) FindSimilar(ctx context.Context, orgID uuid.UUID, embedding []float32, excludeID uuid.UUID, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	hits, err := f.store.FindSimilarClaims(ctx, orgID, pgvector.NewVector(embedding), excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector find similar: %w", err)
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{ClaimID: h.ClaimID, Score: float32(h.Score)}
	}
	return results, nil
}

// Healthy implements CaseFinder.
func (f *PGVectorFinder) Healthy(ctx context.Context) error {
	if err := f.store.Ping(ctx); err != nil {
		return fmt.Errorf("search: postgres unhealthy: %w", err)
	}
	return nil
}

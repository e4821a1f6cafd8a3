package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// SimilarClaim is a nearest-neighbour hit from claim_embeddings.
// Score is cosine similarity in [-1, 1].
type SimilarClaim struct {
	ClaimID uuid.UUID
	Score   float64
}

// ClaimEmbeddingHash returns the content hash of a claim's stored embedding,
// or "" if the claim has none.
func (db *DB) ClaimEmbeddingHash(ctx context.Context, claimID uuid.UUID) (string, error) {
	var h string
	err := db.pool.QueryRow(ctx, `SELECT content_hash FROM claim_embeddings WHERE claim_id = $1`, claimID).Scan(&h)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("storage: get claim embedding hash: %w", err)
	}
	return h, nil
}

// UpsertClaimEmbedding stores a claim's embedding and queues a search index
// sync in the same transaction. Nothing is written when the stored content
// hash already matches; changed reports whether a write happened.
func (db *DB) UpsertClaimEmbedding(ctx context.Context, orgID, claimID uuid.UUID, emb pgvector.Vector, contentHash string) (changed bool, err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin upsert embedding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO claim_embeddings (claim_id, org_id, embedding, content_hash, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (claim_id) DO UPDATE
		 SET embedding = EXCLUDED.embedding, content_hash = EXCLUDED.content_hash, updated_at = now()
		 WHERE claim_embeddings.org_id = EXCLUDED.org_id
		   AND claim_embeddings.content_hash <> EXCLUDED.content_hash`,
		claimID, orgID, emb, contentHash,
	)
	if err != nil {
		return false, fmt.Errorf("storage: upsert claim embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (claim_id, org_id, operation) VALUES ($1, $2, 'upsert')`,
		claimID, orgID,
	); err != nil {
		return false, fmt.Errorf("storage: queue search upsert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit upsert embedding tx: %w", err)
	}
	return true, nil
}

// FindSimilarClaims returns the org's claims nearest to emb by cosine
// distance, excluding excludeID.
func (db *DB) FindSimilarClaims(ctx context.Context, orgID uuid.UUID, emb pgvector.Vector, excludeID uuid.UUID, limit int) ([]SimilarClaim, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT claim_id, 1 - (embedding <=> $2) AS score
		 FROM claim_embeddings
		 WHERE org_id = $1 AND claim_id <> $3
		 ORDER BY embedding <=> $2 ASC, claim_id ASC
		 LIMIT $4`,
		orgID, emb, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find similar claims: %w", err)
	}
	defer rows.Close()

	out := []SimilarClaim{}
	for rows.Next() {
		var s SimilarClaim
		if err := rows.Scan(&s.ClaimID, &s.Score); err != nil {
			return nil, fmt.Errorf("storage: scan similar claim: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shinsa/internal/model"
)

// GetClaim returns a claim by ID regardless of org. Callers enforce tenant
// ownership so a foreign claim surfaces as an isolation error.
func (db *DB) GetClaim(ctx context.Context, id uuid.UUID) (model.Claim, error) {
	var c model.Claim
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, claim_number, status, carrier, description, data, created_at, updated_at
		 FROM claims WHERE id = $1`, id,
	).Scan(&c.ID, &c.OrgID, &c.ClaimNumber, &c.Status, &c.Carrier, &c.Description, &c.Data, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Claim{}, fmt.Errorf("storage: claim %s: %w", id, ErrNotFound)
		}
		return model.Claim{}, fmt.Errorf("storage: get claim: %w", err)
	}
	return c, nil
}

// ListSupplements returns a claim's supplements in filing order.
func (db *DB) ListSupplements(ctx context.Context, orgID, claimID uuid.UUID) ([]model.Supplement, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, claim_id, status, amount, data, created_at
		 FROM supplements WHERE org_id = $1 AND claim_id = $2
		 ORDER BY created_at ASC, id ASC`, orgID, claimID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list supplements: %w", err)
	}
	defer rows.Close()

	out := []model.Supplement{}
	for rows.Next() {
		var s model.Supplement
		if err := rows.Scan(&s.ID, &s.ClaimID, &s.Status, &s.Amount, &s.Data, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan supplement: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListPhotos returns a claim's photo metadata.
func (db *DB) ListPhotos(ctx context.Context, orgID, claimID uuid.UUID) ([]model.Photo, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, claim_id, category, taken_at, data
		 FROM photos WHERE org_id = $1 AND claim_id = $2
		 ORDER BY taken_at ASC NULLS LAST, id ASC`, orgID, claimID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list photos: %w", err)
	}
	defer rows.Close()

	out := []model.Photo{}
	for rows.Next() {
		var p model.Photo
		if err := rows.Scan(&p.ID, &p.ClaimID, &p.Category, &p.TakenAt, &p.Data); err != nil {
			return nil, fmt.Errorf("storage: scan photo: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListInspections returns a claim's inspections.
func (db *DB) ListInspections(ctx context.Context, orgID, claimID uuid.UUID) ([]model.Inspection, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, claim_id, status, inspector, completed_at, data
		 FROM inspections WHERE org_id = $1 AND claim_id = $2
		 ORDER BY completed_at ASC NULLS LAST, id ASC`, orgID, claimID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list inspections: %w", err)
	}
	defer rows.Close()

	out := []model.Inspection{}
	for rows.Next() {
		var in model.Inspection
		if err := rows.Scan(&in.ID, &in.ClaimID, &in.Status, &in.Inspector, &in.CompletedAt, &in.Data); err != nil {
			return nil, fmt.Errorf("storage: scan inspection: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// GetClaimCarriers maps claim IDs to their carrier within an org.
// Unknown IDs are absent from the result.
func (db *DB) GetClaimCarriers(ctx context.Context, orgID uuid.UUID, claimIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(claimIDs))
	if len(claimIDs) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, carrier FROM claims WHERE org_id = $1 AND id = ANY($2)`, orgID, claimIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get claim carriers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      uuid.UUID
			carrier string
		)
		if err := rows.Scan(&id, &carrier); err != nil {
			return nil, fmt.Errorf("storage: scan claim carrier: %w", err)
		}
		out[id] = carrier
	}
	return out, rows.Err()
}

// UpsertClaimBundle writes a claim and replaces its related rows in one
// transaction. The CRM owns claim data; this is the ingest path for mirrors
// and fixtures. Concurrent ingests of one claim can deadlock on the related
// rows, so the transaction is replayed on 40P01.
func (db *DB) UpsertClaimBundle(ctx context.Context, b model.ClaimBundle) error {
	return db.withTxRetry(ctx, "upsert_claim_bundle", func() error {
		return db.upsertClaimBundle(ctx, b)
	})
}

func (db *DB) upsertClaimBundle(ctx context.Context, b model.ClaimBundle) error {
	c := b.Claim
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Data == nil {
		c.Data = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO claims (id, org_id, claim_number, status, carrier, description, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET claim_number = EXCLUDED.claim_number, status = EXCLUDED.status,
		     carrier = EXCLUDED.carrier, description = EXCLUDED.description,
		     data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		 WHERE claims.org_id = EXCLUDED.org_id`,
		c.ID, c.OrgID, c.ClaimNumber, c.Status, c.Carrier, c.Description, c.Data, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: upsert claim %s: %w", c.ID, model.ErrTenantIsolation)
	}

	for _, table := range []string{"supplements", "photos", "inspections"} {
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+pgx.Identifier{table}.Sanitize()+` WHERE org_id = $1 AND claim_id = $2`,
			c.OrgID, c.ID,
		); err != nil {
			return fmt.Errorf("storage: clear %s: %w", table, err)
		}
	}

	if len(b.Supplements) > 0 {
		rows := make([][]any, len(b.Supplements))
		for i, s := range b.Supplements {
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			if s.CreatedAt.IsZero() {
				s.CreatedAt = now
			}
			rows[i] = []any{s.ID, c.OrgID, c.ID, s.Status, s.Amount, jsonObject(s.Data), s.CreatedAt}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"supplements"},
			[]string{"id", "org_id", "claim_id", "status", "amount", "data", "created_at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: copy supplements: %w", err)
		}
	}

	if len(b.Photos) > 0 {
		rows := make([][]any, len(b.Photos))
		for i, p := range b.Photos {
			if p.ID == uuid.Nil {
				p.ID = uuid.New()
			}
			rows[i] = []any{p.ID, c.OrgID, c.ID, p.Category, p.TakenAt, jsonObject(p.Data)}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"photos"},
			[]string{"id", "org_id", "claim_id", "category", "taken_at", "data"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: copy photos: %w", err)
		}
	}

	if len(b.Inspections) > 0 {
		rows := make([][]any, len(b.Inspections))
		for i, in := range b.Inspections {
			if in.ID == uuid.Nil {
				in.ID = uuid.New()
			}
			rows[i] = []any{in.ID, c.OrgID, c.ID, in.Status, in.Inspector, in.CompletedAt, jsonObject(in.Data)}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"inspections"},
			[]string{"id", "org_id", "claim_id", "status", "inspector", "completed_at", "data"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: copy inspections: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit upsert claim tx: %w", err)
	}
	return nil
}

func jsonObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

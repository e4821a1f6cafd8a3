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

const outcomeColumns = `id, org_id, recommendation_id, rule_id, attributed_rule_ids, agent_id, claim_id,
	observed_result, observed_at, dedup_hash, compensates, created_at`

func scanOutcome(row pgx.Row) (model.Outcome, error) {
	var o model.Outcome
	err := row.Scan(
		&o.ID, &o.OrgID, &o.RecommendationID, &o.RuleID, &o.AttributedRuleIDs, &o.AgentID, &o.ClaimID,
		&o.ObservedResult, &o.ObservedAt, &o.DedupHash, &o.Compensates, &o.CreatedAt,
	)
	return o, err
}

func collectOutcomes(rows pgx.Rows) ([]model.Outcome, error) {
	defer rows.Close()
	out := []model.Outcome{}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertOutcome appends an outcome. If an outcome with the same org and dedup
// hash already exists, nothing is written and the stored outcome is returned
// together with ErrDuplicateOutcome.
func (db *DB) InsertOutcome(ctx context.Context, o model.Outcome) (model.Outcome, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.AttributedRuleIDs == nil {
		o.AttributedRuleIDs = []uuid.UUID{}
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO outcomes (`+outcomeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (org_id, dedup_hash) DO NOTHING`,
		o.ID, o.OrgID, o.RecommendationID, o.RuleID, o.AttributedRuleIDs, o.AgentID, o.ClaimID,
		string(o.ObservedResult), o.ObservedAt, o.DedupHash, o.Compensates, o.CreatedAt,
	)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("storage: insert outcome: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return o, nil
	}

	existing, err := scanOutcome(db.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE org_id = $1 AND dedup_hash = $2`,
		o.OrgID, o.DedupHash,
	))
	if err != nil {
		return model.Outcome{}, fmt.Errorf("storage: load duplicate outcome: %w", err)
	}
	return existing, ErrDuplicateOutcome
}

// GetOutcome returns an outcome by ID regardless of org.
func (db *DB) GetOutcome(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	o, err := scanOutcome(db.pool.QueryRow(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Outcome{}, fmt.Errorf("storage: outcome %s: %w", id, ErrNotFound)
		}
		return model.Outcome{}, fmt.Errorf("storage: get outcome: %w", err)
	}
	return o, nil
}

// LatestCompensation returns the newest outcome whose compensates is id,
// ordered the way effectiveness resolves chains.
func (db *DB) LatestCompensation(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	o, err := scanOutcome(db.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes
		 WHERE compensates = $1
		 ORDER BY observed_at DESC, created_at DESC, id DESC
		 LIMIT 1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Outcome{}, fmt.Errorf("storage: compensation of %s: %w", id, ErrNotFound)
		}
		return model.Outcome{}, fmt.Errorf("storage: latest compensation: %w", err)
	}
	return o, nil
}

// ListOutcomes returns the org's original outcomes observed in [from, to)
// together with every compensation in their correction chains.
func (db *DB) ListOutcomes(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]model.Outcome, error) {
	rows, err := db.pool.Query(ctx,
		`WITH RECURSIVE chain AS (
		     SELECT o.* FROM outcomes o
		     WHERE o.org_id = $1 AND o.compensates IS NULL
		       AND o.observed_at >= $2 AND o.observed_at < $3
		     UNION ALL
		     SELECT c.* FROM outcomes c
		     JOIN chain ON c.compensates = chain.id
		     WHERE c.org_id = $1
		 )
		 SELECT `+outcomeColumns+` FROM chain ORDER BY observed_at ASC, created_at ASC, id ASC`,
		orgID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

// ListOutcomesForClaims returns every outcome recorded on the given claims,
// compensations included.
func (db *DB) ListOutcomesForClaims(ctx context.Context, orgID uuid.UUID, claimIDs []uuid.UUID) ([]model.Outcome, error) {
	if len(claimIDs) == 0 {
		return []model.Outcome{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes
		 WHERE org_id = $1 AND claim_id = ANY($2)
		 ORDER BY observed_at ASC, created_at ASC, id ASC`,
		orgID, claimIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list outcomes for claims: %w", err)
	}
	return collectOutcomes(rows)
}

// ListOutcomesByCarrier returns outcomes on the org's claims from one carrier
// observed at or after since, compensations included.
func (db *DB) ListOutcomesByCarrier(ctx context.Context, orgID uuid.UUID, carrier string, since time.Time) ([]model.Outcome, error) {
	rows, err := db.pool.Query(ctx,
		`WITH RECURSIVE chain AS (
		     SELECT o.* FROM outcomes o
		     JOIN claims cl ON cl.id = o.claim_id AND cl.org_id = o.org_id
		     WHERE o.org_id = $1 AND cl.carrier = $2 AND o.compensates IS NULL
		       AND o.observed_at >= $3
		     UNION ALL
		     SELECT c.* FROM outcomes c
		     JOIN chain ON c.compensates = chain.id
		     WHERE c.org_id = $1
		 )
		 SELECT `+outcomeColumns+` FROM chain ORDER BY observed_at ASC, created_at ASC, id ASC`,
		orgID, carrier, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list outcomes by carrier: %w", err)
	}
	return collectOutcomes(rows)
}

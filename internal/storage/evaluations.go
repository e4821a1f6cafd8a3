package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shinsa/internal/model"
)

// SaveEvaluation persists one evaluation with its fired actions,
// recommendations and similar-case links atomically. Everything written here
// is immutable afterwards.
func (db *DB) SaveEvaluation(ctx context.Context, ev model.Evaluation) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save evaluation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	warnings := ev.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	unavailable := ev.Unavailable
	if unavailable == nil {
		unavailable = []string{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO evaluations (id, org_id, claim_id, rules_evaluated, warnings, unavailable, score_adjustment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.OrgID, ev.ClaimID, ev.RulesEvaluated, warnings, unavailable, ev.ScoreAdjustment, ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert evaluation: %w", err)
	}

	if len(ev.Fired) > 0 {
		rows := make([][]any, len(ev.Fired))
		for i, fa := range ev.Fired {
			action, err := json.Marshal(fa.Action)
			if err != nil {
				return fmt.Errorf("storage: encode fired action: %w", err)
			}
			snapshot, err := json.Marshal(jsonObject(fa.FactsSnapshot))
			if err != nil {
				return fmt.Errorf("storage: encode facts snapshot: %w", err)
			}
			rows[i] = []any{ev.ID, ev.OrgID, fa.RuleID, fa.RuleName, fa.Priority, fa.Category, action, snapshot, fa.FiredAt}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"fired_actions"},
			[]string{"evaluation_id", "org_id", "rule_id", "rule_name", "priority", "category", "action", "facts_snapshot", "fired_at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("storage: copy fired actions: %w", err)
		}
	}

	if len(ev.Recommendations) > 0 {
		cases := make(map[uuid.UUID]model.SimilarCase, len(ev.SimilarCases))
		for _, sc := range ev.SimilarCases {
			cases[sc.ClaimID] = sc
		}

		batch := &pgx.Batch{}
		var links [][]any
		for _, rec := range ev.Recommendations {
			var risk *string
			if rec.RiskLevel != nil {
				s := string(*rec.RiskLevel)
				risk = &s
			}
			similar := rec.SimilarCaseIDs
			if similar == nil {
				similar = []uuid.UUID{}
			}
			batch.Queue(
				`INSERT INTO recommendations (id, org_id, evaluation_id, claim_id, kind, label, description,
				 category, priority, confidence_score, risk_level, source_rule_ids, similar_case_ids, reasoning, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
				rec.ID, rec.OrgID, ev.ID, rec.ClaimID, string(rec.Kind), rec.Label, rec.Description,
				rec.Category, rec.Priority, rec.ConfidenceScore, risk, rec.SourceRuleIDs, similar, rec.Reasoning, rec.CreatedAt,
			)
			for i, cid := range rec.SimilarCaseIDs {
				sc := cases[cid]
				var outcome *string
				if sc.Outcome != nil {
					s := string(*sc.Outcome)
					outcome = &s
				}
				links = append(links, []any{rec.ID, cid, sc.Score, outcome, i})
			}
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: insert recommendations: %w", err)
		}

		if len(links) > 0 {
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"recommendation_similar_cases"},
				[]string{"recommendation_id", "claim_id", "score", "outcome", "ordinal"},
				pgx.CopyFromRows(links),
			); err != nil {
				return fmt.Errorf("storage: copy similar cases: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit save evaluation tx: %w", err)
	}
	return nil
}

// GetRecommendation returns a recommendation by ID regardless of org.
// Callers enforce tenant ownership.
func (db *DB) GetRecommendation(ctx context.Context, id uuid.UUID) (model.Recommendation, error) {
	var (
		r    model.Recommendation
		risk *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, evaluation_id, claim_id, kind, label, description, category, priority,
		 confidence_score, risk_level, source_rule_ids, similar_case_ids, reasoning, created_at
		 FROM recommendations WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.OrgID, &r.EvaluationID, &r.ClaimID, &r.Kind, &r.Label, &r.Description, &r.Category, &r.Priority,
		&r.ConfidenceScore, &risk, &r.SourceRuleIDs, &r.SimilarCaseIDs, &r.Reasoning, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Recommendation{}, fmt.Errorf("storage: recommendation %s: %w", id, ErrNotFound)
		}
		return model.Recommendation{}, fmt.Errorf("storage: get recommendation: %w", err)
	}
	if risk != nil {
		lvl := model.RiskLevel(*risk)
		r.RiskLevel = &lvl
	}
	return r, nil
}

// ListFiredActions returns the fired actions of one evaluation.
func (db *DB) ListFiredActions(ctx context.Context, evaluationID uuid.UUID) ([]model.FiredAction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT rule_id, rule_name, priority, category, action, facts_snapshot, fired_at
		 FROM fired_actions WHERE evaluation_id = $1
		 ORDER BY priority DESC, category ASC, rule_id ASC`, evaluationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list fired actions: %w", err)
	}
	defer rows.Close()

	out := []model.FiredAction{}
	for rows.Next() {
		var (
			fa               model.FiredAction
			action, snapshot []byte
		)
		if err := rows.Scan(&fa.RuleID, &fa.RuleName, &fa.Priority, &fa.Category, &action, &snapshot, &fa.FiredAt); err != nil {
			return nil, fmt.Errorf("storage: scan fired action: %w", err)
		}
		if err := json.Unmarshal(action, &fa.Action); err != nil {
			return nil, fmt.Errorf("storage: decode fired action: %w", err)
		}
		if err := json.Unmarshal(snapshot, &fa.FactsSnapshot); err != nil {
			return nil, fmt.Errorf("storage: decode facts snapshot: %w", err)
		}
		out = append(out, fa)
	}
	return out, rows.Err()
}

// ListSimilarCases returns the similar cases frozen with a recommendation,
// in retrieval order.
func (db *DB) ListSimilarCases(ctx context.Context, recommendationID uuid.UUID) ([]model.SimilarCase, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT claim_id, score, outcome FROM recommendation_similar_cases
		 WHERE recommendation_id = $1 ORDER BY ordinal ASC`, recommendationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list similar cases: %w", err)
	}
	defer rows.Close()

	out := []model.SimilarCase{}
	for rows.Next() {
		var (
			sc      model.SimilarCase
			outcome *string
		)
		if err := rows.Scan(&sc.ClaimID, &sc.Score, &outcome); err != nil {
			return nil, fmt.Errorf("storage: scan similar case: %w", err)
		}
		if outcome != nil {
			res := model.ObservedResult(*outcome)
			sc.Outcome = &res
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// CountRecommendations counts recommendations an org received in [from, to).
func (db *DB) CountRecommendations(ctx context.Context, orgID uuid.UUID, from, to time.Time) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recommendations WHERE org_id = $1 AND created_at >= $2 AND created_at < $3`,
		orgID, from, to,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count recommendations: %w", err)
	}
	return n, nil
}

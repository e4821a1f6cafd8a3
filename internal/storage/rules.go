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

const ruleColumns = `id, org_id, name, description, category, priority, trigger, action, enabled, created_at, updated_at, deleted_at`

func scanRule(row pgx.Row) (model.Rule, error) {
	var (
		r             model.Rule
		trig, actJSON []byte
	)
	if err := row.Scan(
		&r.ID, &r.OrgID, &r.Name, &r.Description, &r.Category, &r.Priority,
		&trig, &actJSON, &r.Enabled, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt,
	); err != nil {
		return model.Rule{}, err
	}
	if err := json.Unmarshal(trig, &r.Trigger); err != nil {
		return model.Rule{}, fmt.Errorf("decode trigger of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actJSON, &r.Action); err != nil {
		return model.Rule{}, fmt.Errorf("decode action of rule %s: %w", r.ID, err)
	}
	return r, nil
}

func encodeRule(r model.Rule) (trig, act []byte, err error) {
	if trig, err = json.Marshal(r.Trigger); err != nil {
		return nil, nil, fmt.Errorf("storage: encode trigger: %w", err)
	}
	if act, err = json.Marshal(r.Action); err != nil {
		return nil, nil, fmt.Errorf("storage: encode action: %w", err)
	}
	return trig, act, nil
}

// CreateRule inserts a rule. Callers validate the rule first.
func (db *DB) CreateRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	trig, act, err := encodeRule(r)
	if err != nil {
		return model.Rule{}, err
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO rules (`+ruleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)`,
		r.ID, r.OrgID, r.Name, r.Description, r.Category, r.Priority,
		trig, act, r.Enabled, r.CreatedAt, r.UpdatedAt,
	); err != nil {
		return model.Rule{}, fmt.Errorf("storage: create rule: %w", err)
	}
	return r, nil
}

// GetRule returns a rule by ID regardless of org or deletion state.
// Callers enforce tenant ownership.
func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	r, err := scanRule(db.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Rule{}, fmt.Errorf("storage: rule %s: %w", id, ErrNotFound)
		}
		return model.Rule{}, fmt.Errorf("storage: get rule: %w", err)
	}
	return r, nil
}

// ListRules returns an org's rules ordered by priority desc then ID.
// With includeDisabled false only active rules (enabled, not deleted) are
// returned; with true every rule ever created is, soft-deleted ones included.
func (db *DB) ListRules(ctx context.Context, orgID uuid.UUID, includeDisabled bool) ([]model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE org_id = $1`
	if !includeDisabled {
		query += ` AND enabled AND deleted_at IS NULL`
	}
	query += ` ORDER BY priority DESC, id ASC`

	rows, err := db.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: list rules: %w", err)
	}
	defer rows.Close()

	out := []model.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list rules: %w", err)
	}
	return out, nil
}

// UpdateRule applies a patch to an org's live rule. validate runs on the
// patched rule inside the transaction so a rejected patch writes nothing.
// Serialization conflicts are retried.
func (db *DB) UpdateRule(ctx context.Context, orgID, id uuid.UUID, patch model.RulePatch, validate func(model.Rule) error) (model.Rule, error) {
	var updated model.Rule
	err := db.withTxRetry(ctx, "update_rule", func() error {
		tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("storage: begin update rule tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		cur, err := scanRule(tx.QueryRow(ctx,
			`SELECT `+ruleColumns+` FROM rules WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL FOR UPDATE`,
			id, orgID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: rule %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("storage: load rule for update: %w", err)
		}

		next := cur.Apply(patch)
		if validate != nil {
			if err := validate(next); err != nil {
				return err
			}
		}
		next.UpdatedAt = time.Now().UTC()

		trig, act, err := encodeRule(next)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rules
			 SET name = $3, description = $4, category = $5, priority = $6,
			     trigger = $7, action = $8, enabled = $9, updated_at = $10
			 WHERE id = $1 AND org_id = $2`,
			id, orgID, next.Name, next.Description, next.Category, next.Priority,
			trig, act, next.Enabled, next.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: update rule: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit update rule: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return model.Rule{}, err
	}
	return updated, nil
}

// DeleteRule soft-deletes an org's rule: it stops firing but stays
// resolvable for outcome history and explanations.
func (db *DB) DeleteRule(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE rules SET enabled = false, deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL`,
		id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: rule %s: %w", id, ErrNotFound)
	}
	return nil
}

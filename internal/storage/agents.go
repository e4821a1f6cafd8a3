package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shinsa/internal/model"
)

const selectAgent = `SELECT id, agent_id, org_id, name, role, api_key_hash, created_at, updated_at FROM agents`

func scanAgent(row pgx.CollectableRow) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.AgentID, &a.OrgID, &a.Name, &a.Role, &a.APIKeyHash, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAgent registers an agent in its org. Timestamps come from the
// database. A second agent with the same agent_id in the org fails with
// ErrConflict.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO agents (id, agent_id, org_id, name, role, api_key_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		agent.ID, agent.AgentID, agent.OrgID, agent.Name, string(agent.Role), agent.APIKeyHash,
	).Scan(&agent.CreatedAt, &agent.UpdatedAt)
	switch {
	case isUniqueViolation(err):
		return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agent.AgentID, ErrConflict)
	case err != nil:
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgentsByAgentIDGlobal returns every agent named agentID in any org,
// oldest first. Token issuance runs before the caller's org is known, so it
// checks the presented key against each match.
func (db *DB) GetAgentsByAgentIDGlobal(ctx context.Context, agentID string) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx, selectAgent+` WHERE agent_id = $1 ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: get agents by agent_id: %w", err)
	}
	agents, err := pgx.CollectRows(rows, scanAgent)
	if err != nil {
		return nil, fmt.Errorf("storage: get agents by agent_id: %w", err)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
	}
	return agents, nil
}

// GetAgentByAgentID returns the agent named agentID in orgID.
func (db *DB) GetAgentByAgentID(ctx context.Context, orgID uuid.UUID, agentID string) (model.Agent, error) {
	rows, err := db.pool.Query(ctx, selectAgent+` WHERE org_id = $1 AND agent_id = $2`, orgID, agentID)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAgent)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
	case err != nil:
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// CountAgents returns how many agents orgID has. Startup uses it to decide
// whether the bootstrap admin still needs seeding.
func (db *DB) CountAgents(ctx context.Context, orgID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM agents WHERE org_id = $1`, orgID).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return n, nil
}

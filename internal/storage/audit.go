package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audited resource types.
const (
	AuditResourceRule    = "rule"
	AuditResourceAgent   = "agent"
	AuditResourceOutcome = "outcome"
)

// MutationAuditEntry is an append-only record of an administrative change.
// BeforeData and AfterData are marshalled to JSON on insert and returned
// as raw JSON on read.
type MutationAuditEntry struct {
	ID           uuid.UUID      `json:"id"`
	RequestID    string         `json:"request_id"`
	OrgID        uuid.UUID      `json:"org_id"`
	ActorAgentID string         `json:"actor_agent_id"`
	ActorRole    string         `json:"actor_role"`
	HTTPMethod   string         `json:"http_method"`
	Endpoint     string         `json:"endpoint"`
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	BeforeData   any            `json:"before_data,omitempty"`
	AfterData    any            `json:"after_data,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func marshalAuditData(field string, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal mutation audit %s: %w", field, err)
	}
	return b, nil
}

// InsertMutationAudit appends an audit entry. The table rejects updates
// and deletes.
func (db *DB) InsertMutationAudit(ctx context.Context, e MutationAuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	before, err := marshalAuditData("before_data", e.BeforeData)
	if err != nil {
		return err
	}
	after, err := marshalAuditData("after_data", e.AfterData)
	if err != nil {
		return err
	}
	meta, err := marshalAuditData("metadata", e.Metadata)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO mutation_audit_log (
		     request_id, org_id, actor_agent_id, actor_role,
		     http_method, endpoint, operation, resource_type, resource_id,
		     before_data, after_data, metadata
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12::jsonb)`,
		e.RequestID, e.OrgID, e.ActorAgentID, e.ActorRole,
		e.HTTPMethod, e.Endpoint, e.Operation, e.ResourceType, e.ResourceID,
		before, after, meta,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}

// ListMutationAudit returns the newest audit entries for one resource of
// an org, up to limit.
func (db *DB) ListMutationAudit(ctx context.Context, orgID uuid.UUID, resourceType, resourceID string, limit int) ([]MutationAuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, request_id, org_id, actor_agent_id, actor_role, http_method, endpoint,
		        operation, resource_type, resource_id, before_data, after_data, metadata, created_at
		 FROM mutation_audit_log
		 WHERE org_id = $1 AND resource_type = $2 AND resource_id = $3
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`,
		orgID, resourceType, resourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list mutation audit: %w", err)
	}
	defer rows.Close()

	out := []MutationAuditEntry{}
	for rows.Next() {
		var (
			e                   MutationAuditEntry
			before, after, meta []byte
		)
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.OrgID, &e.ActorAgentID, &e.ActorRole, &e.HTTPMethod, &e.Endpoint,
			&e.Operation, &e.ResourceType, &e.ResourceID, &before, &after, &meta, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan mutation audit: %w", err)
		}
		if before != nil {
			e.BeforeData = json.RawMessage(before)
		}
		if after != nil {
			e.AfterData = json.RawMessage(after)
		}
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("storage: decode mutation audit metadata: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list mutation audit: %w", err)
	}
	return out, nil
}

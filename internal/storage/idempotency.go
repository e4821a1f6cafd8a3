package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyPayloadMismatch means the key was first used with a
	// different request body.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress means another request holds the key.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")

	errIdempotencyNotReserved = errors.New("storage: complete idempotency: key not found or not in_progress")
)

const (
	idemInProgress = "in_progress"
	idemCompleted  = "completed"
)

// IdempotencyKey scopes a client Idempotency-Key to one caller and endpoint.
type IdempotencyKey struct {
	OrgID    uuid.UUID
	AgentID  string
	Endpoint string
	Key      string
}

// IdempotencyLookup is what BeginIdempotency found. Completed means the
// stored response must be replayed instead of running the request.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves k for a request whose body hashes to
// requestHash, in one round trip. The no-op DO UPDATE makes the existing
// row come back on conflict; xmax = 0 tells a fresh insert apart.
//
// A stale in_progress row is not taken over. It blocks the key until
// CleanupIdempotencyKeys removes it.
func (db *DB) BeginIdempotency(ctx context.Context, k IdempotencyKey, requestHash string) (IdempotencyLookup, error) {
	var (
		inserted   bool
		storedHash string
		status     string
		statusCode *int
		response   []byte
	)
	err := db.pool.QueryRow(ctx,
		`INSERT INTO idempotency_keys (org_id, agent_id, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (org_id, agent_id, endpoint, idempotency_key)
		 DO UPDATE SET idempotency_key = idempotency_keys.idempotency_key
		 RETURNING xmax = 0, request_hash, status, status_code, response_data`,
		k.OrgID, k.AgentID, k.Endpoint, k.Key, requestHash, idemInProgress,
	).Scan(&inserted, &storedHash, &status, &statusCode, &response)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}

	switch {
	case inserted:
		return IdempotencyLookup{}, nil
	case storedHash != requestHash:
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	case status != idemCompleted:
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	out := IdempotencyLookup{Completed: true, ResponseData: response}
	if statusCode != nil {
		out.StatusCode = *statusCode
	}
	return out, nil
}

// CompleteIdempotency records the response for a key this request reserved.
func (db *DB) CompleteIdempotency(ctx context.Context, k IdempotencyKey, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $5, status_code = $6, response_data = $7::jsonb, updated_at = now()
		 WHERE org_id = $1 AND agent_id = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = $8`,
		k.OrgID, k.AgentID, k.Endpoint, k.Key, idemCompleted, statusCode, payload, idemInProgress,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errIdempotencyNotReserved
	}
	return nil
}

// ClearInProgressIdempotency releases a reservation after a failed request
// so the client may retry with the same key.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, k IdempotencyKey) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE org_id = $1 AND agent_id = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = $5`,
		k.OrgID, k.AgentID, k.Endpoint, k.Key, idemInProgress,
	); err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys deletes completed keys older than completedTTL
// and reservations untouched for inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE updated_at < now() - CASE status
		     WHEN $1 THEN make_interval(secs => $2)
		     ELSE make_interval(secs => $3)
		 END`,
		idemCompleted, completedTTL.Seconds(), inProgressTTL.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

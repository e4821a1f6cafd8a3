package model

import (
	"time"

	"github.com/google/uuid"
)

// ObservedResult is the real-world result attributed back to a recommendation.
type ObservedResult string

const (
	ResultSuccess ObservedResult = "success"
	ResultFailure ObservedResult = "failure"
	ResultNeutral ObservedResult = "neutral"
)

// Valid reports whether r is a known result.
func (r ObservedResult) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultNeutral:
		return true
	}
	return false
}

// Outcome is an append-only log entry. Attribution (RecommendationID,
// RuleID, AttributedRuleIDs, AgentID) is fixed when the entry is written.
// Corrections are new entries whose Compensates points at the corrected one.
type Outcome struct {
	ID                uuid.UUID      `json:"id"`
	OrgID             uuid.UUID      `json:"org_id"`
	RecommendationID  *uuid.UUID     `json:"recommendation_id,omitempty"`
	RuleID            *uuid.UUID     `json:"rule_id,omitempty"`
	AttributedRuleIDs []uuid.UUID    `json:"attributed_rule_ids"`
	AgentID           string         `json:"agent_id,omitempty"`
	ClaimID           uuid.UUID      `json:"claim_id"`
	ObservedResult    ObservedResult `json:"observed_result"`
	ObservedAt        time.Time      `json:"observed_at"`
	DedupHash         string         `json:"-"`
	Compensates       *uuid.UUID     `json:"compensates,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// RecordOutcomeRequest is the request body for POST /v1/outcomes.
type RecordOutcomeRequest struct {
	RecommendationID *uuid.UUID     `json:"recommendation_id,omitempty"`
	RuleID           *uuid.UUID     `json:"rule_id,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	ClaimID          uuid.UUID      `json:"claim_id"`
	Result           ObservedResult `json:"result"`
	ObservedAt       *time.Time     `json:"observed_at,omitempty"`
}

// CompensateOutcomeRequest is the request body for
// POST /v1/outcomes/{outcome_id}/compensate.
type CompensateOutcomeRequest struct {
	Result ObservedResult `json:"result"`
}

// RecordOutcomeResponse reports the stored outcome. Duplicate is true when
// the write had already been applied.
type RecordOutcomeResponse struct {
	Outcome   Outcome `json:"outcome"`
	Duplicate bool    `json:"duplicate"`
}

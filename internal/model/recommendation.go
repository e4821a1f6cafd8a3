package model

import (
	"time"

	"github.com/google/uuid"
)

// RecommendationKind distinguishes the panels a recommendation is shown in.
type RecommendationKind string

const (
	KindNextBestAction    RecommendationKind = "next_best_action"
	KindNegotiationTactic RecommendationKind = "negotiation_tactic"
	KindFlag              RecommendationKind = "flag"
)

// RiskLevel grades a negotiation tactic by the carrier's track record.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FiredAction records one rule whose trigger matched. Immutable once produced.
type FiredAction struct {
	RuleID        uuid.UUID      `json:"rule_id"`
	RuleName      string         `json:"rule_name"`
	Priority      int            `json:"priority"`
	Category      string         `json:"category"`
	Action        ActionSpec     `json:"action"`
	FiredAt       time.Time      `json:"fired_at"`
	FactsSnapshot map[string]any `json:"facts_snapshot"`
}

// SimilarCase is a past claim retrieved for comparison. Outcome is nil when
// the case has no recorded result yet.
type SimilarCase struct {
	ClaimID uuid.UUID       `json:"claim_id"`
	Score   float64         `json:"score"`
	Outcome *ObservedResult `json:"outcome,omitempty"`
}

// CarrierStats is the historical success rate of one rule's outcomes on
// claims from one carrier.
type CarrierStats struct {
	Carrier               string    `json:"carrier"`
	RuleID                uuid.UUID `json:"rule_id"`
	Samples               int       `json:"samples"`
	HistoricalSuccessRate float64   `json:"historical_success_rate"`
}

// Recommendation is a synthesized, user-facing suggestion. Never mutated:
// a later evaluation supersedes it with a new one.
type Recommendation struct {
	ID              uuid.UUID          `json:"id"`
	OrgID           uuid.UUID          `json:"org_id"`
	EvaluationID    uuid.UUID          `json:"evaluation_id"`
	ClaimID         uuid.UUID          `json:"claim_id"`
	Kind            RecommendationKind `json:"kind"`
	Label           string             `json:"label"`
	Description     string             `json:"description"`
	Category        string             `json:"category"`
	Priority        int                `json:"priority"`
	ConfidenceScore float64            `json:"confidence_score"`
	RiskLevel       *RiskLevel         `json:"risk_level,omitempty"`
	SourceRuleIDs   []uuid.UUID        `json:"source_rule_ids"`
	SimilarCaseIDs  []uuid.UUID        `json:"similar_case_ids"`
	Reasoning       string             `json:"reasoning"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Evaluation is one run of the engine against one claim.
type Evaluation struct {
	ID              uuid.UUID        `json:"id"`
	OrgID           uuid.UUID        `json:"org_id"`
	ClaimID         uuid.UUID        `json:"claim_id"`
	RulesEvaluated  int              `json:"rules_evaluated"`
	Warnings        []string         `json:"warnings"`
	Unavailable     []string         `json:"unavailable"`
	ScoreAdjustment float64          `json:"score_adjustment"`
	Fired           []FiredAction    `json:"fired"`
	Recommendations []Recommendation `json:"recommendations"`
	SimilarCases    []SimilarCase    `json:"similar_cases"`
	CreatedAt       time.Time        `json:"created_at"`
}

// EvaluateRequest is the request body for POST /v1/rules/evaluate.
type EvaluateRequest struct {
	ClaimID uuid.UUID `json:"claim_id"`
}

// RuleUsed is one contributing rule in an explanation.
type RuleUsed struct {
	RuleID       uuid.UUID `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	Priority     int       `json:"priority"`
	MatchedPaths []string  `json:"matched_paths"`
}

// Explanation reconstructs why a recommendation was made. ConfidenceScore is
// the value frozen when the recommendation was created.
type Explanation struct {
	RecommendationID uuid.UUID     `json:"recommendation_id"`
	ClaimID          uuid.UUID     `json:"claim_id"`
	Reasoning        string        `json:"reasoning"`
	RulesUsed        []RuleUsed    `json:"rules_used"`
	SimilarCases     []SimilarCase `json:"similar_cases"`
	ConfidenceScore  float64       `json:"confidence_score"`
	RiskLevel        *RiskLevel    `json:"risk_level,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

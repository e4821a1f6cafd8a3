package model

import "time"

// MetricScope is the kind of entity an effectiveness metric describes.
type MetricScope string

const (
	ScopeRule  MetricScope = "rule"
	ScopeAgent MetricScope = "agent"
)

// EffectivenessMetric is derived from the outcome log and always
// reconstructible from it.
type EffectivenessMetric struct {
	Scope              MetricScope `json:"scope"`
	ID                 string      `json:"id"`
	Name               string      `json:"name,omitempty"`
	TriggeredCount     int         `json:"triggered_count"`
	SuccessfulOutcomes int         `json:"successful_outcomes"`
	EffectivenessScore float64     `json:"effectiveness_score"`
	ImprovementTrend   float64     `json:"improvement_trend"`
}

// AgentPerformance is one leaderboard row.
type AgentPerformance struct {
	Rank         int     `json:"rank"`
	AgentID      string  `json:"agent_id"`
	ActionsCount int     `json:"actions_count"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
}

// AnalyticsSummary holds org-wide totals for a time range.
type AnalyticsSummary struct {
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	Recommendations int       `json:"recommendations"`
	Outcomes        int       `json:"outcomes"`
	Successes       int       `json:"successes"`
	SuccessRate     float64   `json:"success_rate"`
	ActiveRules     int       `json:"active_rules"`
}

// Analytics is the response for GET /v1/analytics.
type Analytics struct {
	Metrics           AnalyticsSummary      `json:"metrics"`
	AgentPerformance  []AgentPerformance    `json:"agent_performance"`
	RuleEffectiveness []EffectivenessMetric `json:"rule_effectiveness"`
}

package mcp

import (
	"fmt"
	"math"
	"strings"

	"github.com/ashita-ai/shinsa/internal/model"
)

const (
	maxCompactReasoning   = 200
	maxCompactSimilarCase = 3
)

// compactRecommendation returns the fields an agent acts on. Rule and case
// IDs stay available through shinsa_explain.
func compactRecommendation(r model.Recommendation) map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"kind":       r.Kind,
		"label":      r.Label,
		"category":   r.Category,
		"priority":   r.Priority,
		"confidence": round3(r.ConfidenceScore),
	}
	if r.Description != "" {
		m["description"] = r.Description
	}
	if r.RiskLevel != nil {
		m["risk_level"] = *r.RiskLevel
	}
	if r.Reasoning != "" {
		m["reasoning"] = truncate(r.Reasoning, maxCompactReasoning)
	}
	return m
}

// compactEvaluation groups recommendations by panel and drops the fired
// action snapshots, which only matter for explanations.
func compactEvaluation(e model.Evaluation) map[string]any {
	panels := map[model.RecommendationKind][]map[string]any{}
	for _, r := range e.Recommendations {
		panels[r.Kind] = append(panels[r.Kind], compactRecommendation(r))
	}

	m := map[string]any{
		"evaluation_id":       e.ID,
		"claim_id":            e.ClaimID,
		"rules_evaluated":     e.RulesEvaluated,
		"next_best_actions":   nonNil(panels[model.KindNextBestAction]),
		"negotiation_tactics": nonNil(panels[model.KindNegotiationTactic]),
		"flags":               nonNil(panels[model.KindFlag]),
		"summary":             evaluationSummary(e),
	}
	if len(e.SimilarCases) > 0 {
		cases := e.SimilarCases[:min(len(e.SimilarCases), maxCompactSimilarCase)]
		compact := make([]map[string]any, 0, len(cases))
		for _, c := range cases {
			sc := map[string]any{"claim_id": c.ClaimID, "score": round3(c.Score)}
			if c.Outcome != nil {
				sc["outcome"] = *c.Outcome
			}
			compact = append(compact, sc)
		}
		m["similar_cases"] = compact
	}
	if len(e.Unavailable) > 0 {
		m["unavailable"] = e.Unavailable
	}
	if len(e.Warnings) > 0 {
		m["warnings"] = e.Warnings
	}
	return m
}

// evaluationSummary is a one-line description of an evaluation result.
func evaluationSummary(e model.Evaluation) string {
	if len(e.Recommendations) == 0 {
		return fmt.Sprintf("No rules fired (%d evaluated).", e.RulesEvaluated)
	}
	top := e.Recommendations[0]
	for _, r := range e.Recommendations[1:] {
		if r.Kind == model.KindNextBestAction && (top.Kind != model.KindNextBestAction || r.ConfidenceScore > top.ConfidenceScore) {
			top = r
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d recommendation(s) from %d rule(s).", len(e.Recommendations), len(e.Fired))
	fmt.Fprintf(&b, " Top: %s (confidence %.2f).", top.Label, top.ConfidenceScore)
	if n := countKind(e.Recommendations, model.KindFlag); n > 0 {
		fmt.Fprintf(&b, " %d flag(s) raised.", n)
	}
	if len(e.Unavailable) > 0 {
		b.WriteString(" Some claim data was unavailable; see unavailable.")
	}
	return b.String()
}

// compactRule describes an active rule without its trigger tree.
func compactRule(r model.Rule) map[string]any {
	m := map[string]any{
		"id":          r.ID,
		"name":        r.Name,
		"category":    r.ActionCategory(),
		"priority":    r.Priority,
		"action_type": r.Action.Type,
	}
	if r.Description != "" {
		m["description"] = truncate(r.Description, maxCompactReasoning)
	}
	return m
}

func countKind(recs []model.Recommendation, kind model.RecommendationKind) int {
	n := 0
	for _, r := range recs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func nonNil(v []map[string]any) []map[string]any {
	if v == nil {
		return []map[string]any{}
	}
	return v
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// Package explain reconstructs why a recommendation was made from the
// records frozen when it was created. Nothing is recomputed.
package explain

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
)

// Build assembles an explanation for rec. fired should hold the fired
// actions of rec's evaluation; only those whose rule sourced rec are used,
// in the order of rec.SourceRuleIDs. similar is the stored similar-case
// link set, in the order it was recorded.
func Build(rec model.Recommendation, fired []model.FiredAction, similar []model.SimilarCase) model.Explanation {
	byRule := make(map[uuid.UUID]model.FiredAction, len(fired))
	for _, fa := range fired {
		byRule[fa.RuleID] = fa
	}

	used := make([]model.RuleUsed, 0, len(rec.SourceRuleIDs))
	for _, id := range rec.SourceRuleIDs {
		fa, ok := byRule[id]
		if !ok {
			// The rule fired but its record is gone; still name it.
			used = append(used, model.RuleUsed{RuleID: id, MatchedPaths: []string{}})
			continue
		}
		used = append(used, model.RuleUsed{
			RuleID:       id,
			RuleName:     fa.RuleName,
			Priority:     fa.Priority,
			MatchedPaths: matchedPaths(fa.FactsSnapshot),
		})
	}

	cases := make([]model.SimilarCase, len(similar))
	copy(cases, similar)

	return model.Explanation{
		RecommendationID: rec.ID,
		ClaimID:          rec.ClaimID,
		Reasoning:        rec.Reasoning,
		RulesUsed:        used,
		SimilarCases:     cases,
		ConfidenceScore:  rec.ConfidenceScore,
		RiskLevel:        rec.RiskLevel,
		CreatedAt:        rec.CreatedAt,
	}
}

func matchedPaths(snapshot map[string]any) []string {
	out := make([]string, 0, len(snapshot))
	for p := range snapshot {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

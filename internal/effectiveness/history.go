package effectiveness

import (
	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
)

// CarrierHistory computes, per rule, the success rate of resolved outcomes
// on one carrier's claims. The caller passes only that carrier's outcomes.
// Rules without outcomes are absent from the result.
func CarrierHistory(carrier string, outcomes []model.Outcome) map[uuid.UUID]model.CarrierStats {
	tallies := make(map[uuid.UUID]*tally)
	for _, o := range Resolve(outcomes) {
		for _, id := range ruleIDs(o) {
			t, ok := tallies[id]
			if !ok {
				t = &tally{}
				tallies[id] = t
			}
			t.add(o)
		}
	}

	out := make(map[uuid.UUID]model.CarrierStats, len(tallies))
	for id, t := range tallies {
		out[id] = model.CarrierStats{
			Carrier:               carrier,
			RuleID:                id,
			Samples:               t.triggered,
			HistoricalSuccessRate: t.score(),
		}
	}
	return out
}

// LatestByClaim returns the resolved result of each claim's most recently
// observed outcome. Claims without outcomes are absent.
func LatestByClaim(outcomes []model.Outcome) map[uuid.UUID]model.ObservedResult {
	latest := make(map[uuid.UUID]model.Outcome)
	for _, o := range Resolve(outcomes) {
		if cur, ok := latest[o.ClaimID]; !ok || later(o, cur) {
			latest[o.ClaimID] = o
		}
	}
	out := make(map[uuid.UUID]model.ObservedResult, len(latest))
	for id, o := range latest {
		out[id] = o.ObservedResult
	}
	return out
}

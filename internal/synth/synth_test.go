package synth_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/synth"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func recommend(name string, priority int, category string, payload map[string]any) model.FiredAction {
	return model.FiredAction{
		RuleID:   uuid.New(),
		RuleName: name,
		Priority: priority,
		Category: category,
		Action: model.ActionSpec{
			Type:     model.ActionRecommend,
			Priority: priority,
			Message:  name + " message",
			Payload:  payload,
		},
		FiredAt:       now,
		FactsSnapshot: map[string]any{"claim.status": "new"},
	}
}

func outcome(r model.ObservedResult) *model.ObservedResult { return &r }

func TestSynthesize_ZeroSimilarCasesUsesPrior(t *testing.T) {
	t.Parallel()
	recs := synth.Synthesize(synth.Input{
		Fired: []model.FiredAction{recommend("photos", 5, "documentation", map[string]any{"confidence_prior": 0.8})},
		Now:   now,
	})
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.8, recs[0].ConfidenceScore, 1e-9)
	assert.Equal(t, model.KindNextBestAction, recs[0].Kind)
	assert.Empty(t, recs[0].SimilarCaseIDs)
	assert.Contains(t, recs[0].Reasoning, "No similar cases found")
}

func TestSynthesize_BlendsAgreement(t *testing.T) {
	t.Parallel()
	cases := []model.SimilarCase{
		{ClaimID: uuid.New(), Score: 0.9, Outcome: outcome(model.ResultSuccess)},
		{ClaimID: uuid.New(), Score: 0.8, Outcome: outcome(model.ResultSuccess)},
		{ClaimID: uuid.New(), Score: 0.7, Outcome: outcome(model.ResultFailure)},
		{ClaimID: uuid.New(), Score: 0.6, Outcome: outcome(model.ResultSuccess)},
		{ClaimID: uuid.New(), Score: 0.5}, // unknown outcome, ignored
	}
	recs := synth.Synthesize(synth.Input{
		Fired:        []model.FiredAction{recommend("photos", 5, "documentation", map[string]any{"confidence_prior": 0.5})},
		SimilarCases: cases,
		Now:          now,
	})
	require.Len(t, recs, 1)
	// 0.6*0.5 + 0.4*(3/4)
	assert.InDelta(t, 0.6, recs[0].ConfidenceScore, 1e-9)
	assert.Len(t, recs[0].SimilarCaseIDs, 5)
	assert.Contains(t, recs[0].Reasoning, "3 of 4 similar cases")
}

func TestSynthesize_OnlyUnknownOutcomesFallsBack(t *testing.T) {
	t.Parallel()
	recs := synth.Synthesize(synth.Input{
		Fired:        []model.FiredAction{recommend("photos", 5, "documentation", map[string]any{"confidence_prior": 0.3})},
		SimilarCases: []model.SimilarCase{{ClaimID: uuid.New(), Score: 0.9}},
		Now:          now,
	})
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.3, recs[0].ConfidenceScore, 1e-9)
}

func TestSynthesize_ExpectedOutcome(t *testing.T) {
	t.Parallel()
	recs := synth.Synthesize(synth.Input{
		Fired: []model.FiredAction{recommend("deny watch", 5, "escalation",
			map[string]any{"confidence_prior": 1.0, "expected_outcome": "failure"})},
		SimilarCases: []model.SimilarCase{
			{ClaimID: uuid.New(), Outcome: outcome(model.ResultFailure)},
			{ClaimID: uuid.New(), Outcome: outcome(model.ResultSuccess)},
		},
		Now: now,
	})
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.8, recs[0].ConfidenceScore, 1e-9)
}

func TestSynthesize_GroupsByCategory(t *testing.T) {
	t.Parallel()
	hi := recommend("call adjuster", 9, "communication", nil)
	lo := recommend("send email", 4, "communication", nil)
	doc := recommend("request photos", 6, "documentation", nil)

	recs := synth.Synthesize(synth.Input{Fired: []model.FiredAction{lo, doc, hi}, Now: now})
	require.Len(t, recs, 2)

	assert.Equal(t, "call adjuster", recs[0].Label)
	assert.Equal(t, 9, recs[0].Priority)
	assert.Equal(t, []uuid.UUID{hi.RuleID, lo.RuleID}, recs[0].SourceRuleIDs)
	assert.Contains(t, recs[0].Reasoning, `Also supported by "send email"`)

	assert.Equal(t, "request photos", recs[1].Label)
	assert.Equal(t, []uuid.UUID{doc.RuleID}, recs[1].SourceRuleIDs)
}

func TestSynthesize_RiskLevels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rate *float64
		want model.RiskLevel
	}{
		{"high success is low risk", ptr(0.75), model.RiskLow},
		{"middling is medium", ptr(0.5), model.RiskMedium},
		{"poor is high risk", ptr(0.2), model.RiskHigh},
		{"no history is medium", nil, model.RiskMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := recommend("push depreciation", 7, "negotiation", nil)
			history := map[uuid.UUID]model.CarrierStats{}
			if tt.rate != nil {
				history[fa.RuleID] = model.CarrierStats{Carrier: "Acme", RuleID: fa.RuleID, Samples: 10, HistoricalSuccessRate: *tt.rate}
			}
			recs := synth.Synthesize(synth.Input{Fired: []model.FiredAction{fa}, CarrierHistory: history, Now: now})
			require.Len(t, recs, 1)
			assert.Equal(t, model.KindNegotiationTactic, recs[0].Kind)
			require.NotNil(t, recs[0].RiskLevel)
			assert.Equal(t, tt.want, *recs[0].RiskLevel)
		})
	}
}

func TestRiskLevel_Boundaries(t *testing.T) {
	t.Parallel()
	assert.Equal(t, model.RiskLow, synth.RiskLevel(0.7))
	assert.Equal(t, model.RiskMedium, synth.RiskLevel(0.4))
	assert.Equal(t, model.RiskHigh, synth.RiskLevel(0.3999))
}

func TestSynthesize_NextBestActionHasNoRisk(t *testing.T) {
	t.Parallel()
	recs := synth.Synthesize(synth.Input{Fired: []model.FiredAction{recommend("photos", 5, "documentation", nil)}, Now: now})
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].RiskLevel)
	assert.InDelta(t, model.DefaultConfidencePrior, recs[0].ConfidenceScore, 1e-9)
}

func TestSynthesize_FeedbackAdjustsPrior(t *testing.T) {
	t.Parallel()
	fa := recommend("photos", 5, "documentation", map[string]any{"confidence_prior": 0.8})

	few := map[uuid.UUID]model.EffectivenessMetric{fa.RuleID: {TriggeredCount: 4, EffectivenessScore: 0.2}}
	recs := synth.Synthesize(synth.Input{Fired: []model.FiredAction{fa}, RuleEffectiveness: few, Now: now})
	assert.InDelta(t, 0.8, recs[0].ConfidenceScore, 1e-9, "below the sample floor the prior is untouched")

	enough := map[uuid.UUID]model.EffectivenessMetric{fa.RuleID: {TriggeredCount: 5, EffectivenessScore: 0.2}}
	recs = synth.Synthesize(synth.Input{Fired: []model.FiredAction{fa}, RuleEffectiveness: enough, Now: now})
	assert.InDelta(t, 0.5, recs[0].ConfidenceScore, 1e-9)
	assert.Contains(t, recs[0].Reasoning, "adjusted to 0.50")
}

func TestSynthesize_FlagsAndScoreAdjust(t *testing.T) {
	t.Parallel()
	flagA := model.FiredAction{RuleID: uuid.New(), RuleName: "big loss", Priority: 8, Category: "compliance",
		Action: model.ActionSpec{Type: model.ActionFlag, Payload: map[string]any{"flag": "high_value", "confidence_prior": 0.9}}}
	flagB := model.FiredAction{RuleID: uuid.New(), RuleName: "bigger loss", Priority: 6, Category: "compliance",
		Action: model.ActionSpec{Type: model.ActionFlag, Payload: map[string]any{"flag": "high_value"}}}
	adj1 := model.FiredAction{RuleID: uuid.New(), Priority: 3, Category: "payment",
		Action: model.ActionSpec{Type: model.ActionScoreAdjust, Payload: map[string]any{"score_delta": 2.5}}}
	adj2 := model.FiredAction{RuleID: uuid.New(), Priority: 3, Category: "payment",
		Action: model.ActionSpec{Type: model.ActionScoreAdjust, Payload: map[string]any{"score_delta": -1.0}}}

	fired := []model.FiredAction{flagA, flagB, adj1, adj2}
	recs := synth.Synthesize(synth.Input{
		Fired:        fired,
		SimilarCases: []model.SimilarCase{{ClaimID: uuid.New(), Outcome: outcome(model.ResultFailure)}},
		Now:          now,
	})
	require.Len(t, recs, 1)
	assert.Equal(t, model.KindFlag, recs[0].Kind)
	assert.Equal(t, "high_value", recs[0].Label)
	assert.InDelta(t, 0.9, recs[0].ConfidenceScore, 1e-9, "flags carry their prior")
	assert.Equal(t, []uuid.UUID{flagA.RuleID, flagB.RuleID}, recs[0].SourceRuleIDs)

	assert.InDelta(t, 1.5, synth.ScoreAdjustment(fired), 1e-9)
}

func TestSynthesize_OrderAndIDs(t *testing.T) {
	t.Parallel()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	next := 0
	newID := func() uuid.UUID { id := ids[next]; next++; return id }

	a := recommend("a", 5, "payment", nil)
	b := recommend("b", 5, "documentation", nil)
	c := recommend("c", 9, "inspection", nil)
	orgID, claimID, evalID := uuid.New(), uuid.New(), uuid.New()

	recs := synth.Synthesize(synth.Input{
		OrgID: orgID, ClaimID: claimID, EvaluationID: evalID,
		Fired: []model.FiredAction{a, b, c}, Now: now, NewID: newID,
	})
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{recs[0].Label, recs[1].Label, recs[2].Label})
	for _, r := range recs {
		assert.Equal(t, orgID, r.OrgID)
		assert.Equal(t, claimID, r.ClaimID)
		assert.Equal(t, evalID, r.EvaluationID)
		assert.Equal(t, now, r.CreatedAt)
		assert.Contains(t, ids, r.ID)
	}
}

func TestSynthesize_EmptyInput(t *testing.T) {
	t.Parallel()
	recs := synth.Synthesize(synth.Input{})
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestConfidence_AlwaysInRange(t *testing.T) {
	t.Parallel()
	for _, prior := range []float64{-1, 0, 0.25, 0.5, 1, 3} {
		for known := 0; known <= 4; known++ {
			for agreed := 0; agreed <= known; agreed++ {
				c := synth.Confidence(prior, synth.AgreementResult{Known: known, Agreed: agreed})
				assert.GreaterOrEqual(t, c, 0.0)
				assert.LessOrEqual(t, c, 1.0)
			}
		}
	}
}

func ptr(f float64) *float64 { return &f }

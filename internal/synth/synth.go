// Package synth turns fired rule actions into ranked recommendations:
// next-best-actions, negotiation tactics and flags. It is pure; every
// input it needs is fetched by the caller beforehand.
package synth

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/rules"
)

// Confidence blend weights.
const (
	PriorWeight     = 0.6
	AgreementWeight = 0.4
)

// MinFeedbackSamples is how many triggered outcomes a rule needs before its
// measured effectiveness is blended into its prior.
const MinFeedbackSamples = 5

// Risk thresholds on a carrier's historical success rate.
const (
	LowRiskThreshold    = 0.7
	MediumRiskThreshold = 0.4
)

// Input carries everything synthesis reads.
type Input struct {
	OrgID        uuid.UUID
	ClaimID      uuid.UUID
	EvaluationID uuid.UUID
	Fired        []model.FiredAction
	SimilarCases []model.SimilarCase
	// CarrierHistory is keyed by rule ID, for the claim's carrier.
	CarrierHistory map[uuid.UUID]model.CarrierStats
	// RuleEffectiveness is keyed by rule ID. Optional.
	RuleEffectiveness map[uuid.UUID]model.EffectivenessMetric
	Now               time.Time
	// NewID generates recommendation IDs. Defaults to uuid.New.
	NewID func() uuid.UUID
}

// Synthesize groups recommend actions by category and flag actions by flag
// key, scores each group, and returns recommendations ordered by priority
// descending, category, then first source rule ID. The result is never nil.
func Synthesize(in Input) []model.Recommendation {
	newID := in.NewID
	if newID == nil {
		newID = uuid.New
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	fired := append([]model.FiredAction(nil), in.Fired...)
	rules.SortFired(fired)

	var groups []*group
	byKey := map[string]*group{}
	for _, fa := range fired {
		var key string
		var kind model.RecommendationKind
		switch fa.Action.Type {
		case model.ActionRecommend:
			kind = recommendKind(fa)
			key = string(kind) + "\x00" + fa.Category
		case model.ActionFlag:
			kind = model.KindFlag
			key = string(kind) + "\x00" + fa.Action.StringPayload(model.PayloadFlag)
		default:
			continue
		}
		g, ok := byKey[key]
		if !ok {
			g = &group{kind: kind}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.actions = append(g.actions, fa)
	}

	similarIDs := make([]uuid.UUID, 0, len(in.SimilarCases))
	for _, sc := range in.SimilarCases {
		similarIDs = append(similarIDs, sc.ClaimID)
	}

	out := make([]model.Recommendation, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.build(in, newID(), similarIDs, now))
	}
	SortRecommendations(out)
	return out
}

type group struct {
	kind    model.RecommendationKind
	actions []model.FiredAction
}

func (g *group) build(in Input, id uuid.UUID, similarIDs []uuid.UUID, now time.Time) model.Recommendation {
	primary := g.actions[0]
	sourceIDs := make([]uuid.UUID, len(g.actions))
	for i, fa := range g.actions {
		sourceIDs[i] = fa.RuleID
	}

	rawPrior := primary.Action.ConfidencePrior()
	prior := rawPrior
	metric, hasFeedback := in.RuleEffectiveness[primary.RuleID]
	hasFeedback = hasFeedback && metric.TriggeredCount >= MinFeedbackSamples
	if hasFeedback {
		prior = FeedbackPrior(rawPrior, metric.EffectivenessScore)
	}

	agreement := Agreement(in.SimilarCases, primary.Action.ExpectedOutcome())
	confidence := prior
	if g.kind != model.KindFlag {
		confidence = Confidence(prior, agreement)
	}

	rec := model.Recommendation{
		ID:              id,
		OrgID:           in.OrgID,
		EvaluationID:    in.EvaluationID,
		ClaimID:         in.ClaimID,
		Kind:            g.kind,
		Label:           label(g.kind, primary),
		Description:     primary.Action.Message,
		Category:        primary.Category,
		Priority:        primary.Priority,
		ConfidenceScore: confidence,
		SourceRuleIDs:   sourceIDs,
		SimilarCaseIDs:  append([]uuid.UUID{}, similarIDs...),
		CreatedAt:       now,
	}

	var stats *model.CarrierStats
	if g.kind == model.KindNegotiationTactic {
		risk := model.RiskMedium
		if s, ok := in.CarrierHistory[primary.RuleID]; ok && s.Samples > 0 {
			risk = RiskLevel(s.HistoricalSuccessRate)
			stats = &s
		}
		rec.RiskLevel = &risk
	}

	rec.Reasoning = reasoning(reasonInput{
		group:       g,
		rawPrior:    rawPrior,
		prior:       prior,
		feedback:    hasFeedback,
		metric:      metric,
		agreement:   agreement,
		confidence:  confidence,
		carrier:     stats,
		risk:        rec.RiskLevel,
		similarSeen: len(in.SimilarCases),
	})
	return rec
}

func recommendKind(fa model.FiredAction) model.RecommendationKind {
	switch model.RecommendationKind(fa.Action.StringPayload(model.PayloadKind)) {
	case model.KindNegotiationTactic:
		return model.KindNegotiationTactic
	case model.KindNextBestAction:
		return model.KindNextBestAction
	}
	if fa.Category == "negotiation" {
		return model.KindNegotiationTactic
	}
	return model.KindNextBestAction
}

func label(kind model.RecommendationKind, fa model.FiredAction) string {
	if l := fa.Action.StringPayload(model.PayloadLabel); l != "" {
		return l
	}
	if kind == model.KindFlag {
		return fa.Action.StringPayload(model.PayloadFlag)
	}
	return fa.RuleName
}

// AgreementResult summarizes how similar cases ended.
type AgreementResult struct {
	Known  int
	Agreed int
	// Expected is the outcome agreement was measured against.
	Expected model.ObservedResult
}

// Ratio returns Agreed/Known, or false when no case has a known outcome.
func (a AgreementResult) Ratio() (float64, bool) {
	if a.Known == 0 {
		return 0, false
	}
	return float64(a.Agreed) / float64(a.Known), true
}

// Agreement counts similar cases with a known outcome and how many of them
// ended in expected. Cases without an outcome are ignored.
func Agreement(cases []model.SimilarCase, expected model.ObservedResult) AgreementResult {
	res := AgreementResult{Expected: expected}
	for _, c := range cases {
		if c.Outcome == nil {
			continue
		}
		res.Known++
		if *c.Outcome == expected {
			res.Agreed++
		}
	}
	return res
}

// Confidence blends the prior with similar-case agreement. With no
// comparable cases it is the prior alone.
func Confidence(prior float64, a AgreementResult) float64 {
	ratio, ok := a.Ratio()
	if !ok {
		return model.Clamp01(prior)
	}
	return model.Clamp01(PriorWeight*prior + AgreementWeight*ratio)
}

// FeedbackPrior blends a rule author's prior with the rule's measured
// effectiveness score.
func FeedbackPrior(prior, effectiveness float64) float64 {
	return model.Clamp01(0.5*prior + 0.5*effectiveness)
}

// RiskLevel grades a carrier's historical success rate.
func RiskLevel(rate float64) model.RiskLevel {
	switch {
	case rate >= LowRiskThreshold:
		return model.RiskLow
	case rate >= MediumRiskThreshold:
		return model.RiskMedium
	default:
		return model.RiskHigh
	}
}

// ScoreAdjustment sums the score_delta of every fired score_adjust action.
func ScoreAdjustment(fired []model.FiredAction) float64 {
	total := 0.0
	for _, fa := range fired {
		if fa.Action.Type == model.ActionScoreAdjust {
			total += fa.Action.ScoreDelta()
		}
	}
	return total
}

// SortRecommendations orders by priority descending, category, then first
// source rule ID.
func SortRecommendations(recs []model.Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return firstRule(a) < firstRule(b)
	})
}

func firstRule(r model.Recommendation) string {
	if len(r.SourceRuleIDs) == 0 {
		return ""
	}
	return r.SourceRuleIDs[0].String()
}

type reasonInput struct {
	group       *group
	rawPrior    float64
	prior       float64
	feedback    bool
	metric      model.EffectivenessMetric
	agreement   AgreementResult
	confidence  float64
	carrier     *model.CarrierStats
	risk        *model.RiskLevel
	similarSeen int
}

// reasoning renders the human-readable rationale frozen on the
// recommendation for later explanation.
func reasoning(in reasonInput) string {
	primary := in.group.actions[0]
	var b strings.Builder

	fmt.Fprintf(&b, "Rule %q (priority %d) fired", primary.RuleName, primary.Priority)
	if paths := snapshotPaths(primary.FactsSnapshot); len(paths) > 0 {
		fmt.Fprintf(&b, " on %s", strings.Join(paths, ", "))
	}
	b.WriteString(".")

	if len(in.group.actions) > 1 {
		names := make([]string, 0, len(in.group.actions)-1)
		for _, fa := range in.group.actions[1:] {
			names = append(names, fmt.Sprintf("%q", fa.RuleName))
		}
		fmt.Fprintf(&b, " Also supported by %s.", strings.Join(names, ", "))
	}

	fmt.Fprintf(&b, " Rule prior %.2f", in.rawPrior)
	if in.feedback {
		fmt.Fprintf(&b, ", adjusted to %.2f from %d recorded outcomes (%.0f%% effective)",
			in.prior, in.metric.TriggeredCount, in.metric.EffectivenessScore*100)
	}
	b.WriteString(".")

	if in.group.kind != model.KindFlag {
		if ratio, ok := in.agreement.Ratio(); ok {
			fmt.Fprintf(&b, " %d of %d similar cases with known outcomes ended in %s (%.0f%%).",
				in.agreement.Agreed, in.agreement.Known, in.agreement.Expected, ratio*100)
		} else if in.similarSeen > 0 {
			fmt.Fprintf(&b, " %d similar cases found, none with a recorded outcome.", in.similarSeen)
		} else {
			b.WriteString(" No similar cases found.")
		}
	}

	if in.risk != nil {
		if in.carrier != nil {
			fmt.Fprintf(&b, " Carrier %s accepted this tactic in %.0f%% of %d past claims: %s risk.",
				in.carrier.Carrier, in.carrier.HistoricalSuccessRate*100, in.carrier.Samples, *in.risk)
		} else {
			fmt.Fprintf(&b, " No carrier history for this tactic: %s risk.", *in.risk)
		}
	}

	fmt.Fprintf(&b, " Confidence %.2f.", in.confidence)
	return b.String()
}

func snapshotPaths(snap map[string]any) []string {
	out := make([]string, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

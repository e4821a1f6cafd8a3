// Package effectiveness derives per-rule and per-agent metrics from the
// outcome log. Everything here is a pure function of the outcomes passed
// in, so any metric can be rebuilt from the log at any time.
package effectiveness

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
)

// DefaultWindow is the comparison period: week over week.
const DefaultWindow = 7 * 24 * time.Hour

// Window is the half-open interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// WindowEnding returns the window of length d that ends at to.
func WindowEnding(to time.Time, d time.Duration) Window {
	if d <= 0 {
		d = DefaultWindow
	}
	return Window{From: to.Add(-d), To: to}
}

// Length returns To - From.
func (w Window) Length() time.Duration { return w.To.Sub(w.From) }

// Previous returns the window of equal length immediately before w.
func (w Window) Previous() Window {
	return Window{From: w.From.Add(-w.Length()), To: w.From}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Resolve applies compensations: every original outcome takes the result of
// the latest outcome that (transitively) compensates it, keeping its own
// attribution and observation time. Compensation entries themselves are
// consumed, and compensations whose target is missing are dropped.
func Resolve(outcomes []model.Outcome) []model.Outcome {
	byID := make(map[uuid.UUID]model.Outcome, len(outcomes))
	latest := make(map[uuid.UUID]model.Outcome)
	for _, o := range outcomes {
		byID[o.ID] = o
		if o.Compensates == nil {
			continue
		}
		if cur, ok := latest[*o.Compensates]; !ok || later(o, cur) {
			latest[*o.Compensates] = o
		}
	}

	out := make([]model.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Compensates != nil {
			continue
		}
		final := o.ObservedResult
		cur := o.ID
		for hops := 0; hops < len(outcomes); hops++ {
			next, ok := latest[cur]
			if !ok {
				break
			}
			final = next.ObservedResult
			cur = next.ID
		}
		o.ObservedResult = final
		out = append(out, o)
	}
	return out
}

func later(a, b model.Outcome) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}

// matches reports whether a resolved outcome counts toward (scope, id).
// Attribution is independent: one outcome counts for each of its rules and
// for its agent.
func matches(o model.Outcome, scope model.MetricScope, id string) bool {
	switch scope {
	case model.ScopeAgent:
		return o.AgentID != "" && o.AgentID == id
	case model.ScopeRule:
		for _, r := range ruleIDs(o) {
			if r.String() == id {
				return true
			}
		}
	}
	return false
}

func ruleIDs(o model.Outcome) []uuid.UUID {
	if len(o.AttributedRuleIDs) > 0 {
		return o.AttributedRuleIDs
	}
	if o.RuleID != nil {
		return []uuid.UUID{*o.RuleID}
	}
	return nil
}

type tally struct {
	triggered int
	successes int
}

func (t tally) score() float64 {
	return float64(t.successes) / float64(max(t.triggered, 1))
}

// Compute derives the metric for one rule or agent over window w, with the
// trend measured against the preceding window of equal length.
// Outcomes may be unresolved; Compute applies compensations itself.
func Compute(outcomes []model.Outcome, scope model.MetricScope, id string, w Window) model.EffectivenessMetric {
	var cur, prev tally
	prevW := w.Previous()
	for _, o := range Resolve(outcomes) {
		if !matches(o, scope, id) {
			continue
		}
		switch {
		case w.Contains(o.ObservedAt):
			cur.add(o)
		case prevW.Contains(o.ObservedAt):
			prev.add(o)
		}
	}
	return metric(scope, id, cur, prev)
}

func (t *tally) add(o model.Outcome) {
	t.triggered++
	if o.ObservedResult == model.ResultSuccess {
		t.successes++
	}
}

func metric(scope model.MetricScope, id string, cur, prev tally) model.EffectivenessMetric {
	return model.EffectivenessMetric{
		Scope:              scope,
		ID:                 id,
		TriggeredCount:     cur.triggered,
		SuccessfulOutcomes: cur.successes,
		EffectivenessScore: cur.score(),
		ImprovementTrend:   trend(cur, prev),
	}
}

// trend is the signed percentage-point change between two windows, or 0
// when either window has nothing triggered.
func trend(cur, prev tally) float64 {
	if cur.triggered == 0 || prev.triggered == 0 {
		return 0
	}
	return (cur.score() - prev.score()) * 100
}

// ComputeAll derives metrics for every rule or agent that has outcomes in
// either window, ordered by score descending, volume descending, then ID.
func ComputeAll(outcomes []model.Outcome, scope model.MetricScope, w Window) []model.EffectivenessMetric {
	type pair struct{ cur, prev tally }
	byID := map[string]*pair{}
	prevW := w.Previous()

	for _, o := range Resolve(outcomes) {
		inCur := w.Contains(o.ObservedAt)
		if !inCur && !prevW.Contains(o.ObservedAt) {
			continue
		}
		for _, id := range scopeIDs(o, scope) {
			p, ok := byID[id]
			if !ok {
				p = &pair{}
				byID[id] = p
			}
			if inCur {
				p.cur.add(o)
			} else {
				p.prev.add(o)
			}
		}
	}

	out := make([]model.EffectivenessMetric, 0, len(byID))
	for id, p := range byID {
		out = append(out, metric(scope, id, p.cur, p.prev))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EffectivenessScore != b.EffectivenessScore {
			return a.EffectivenessScore > b.EffectivenessScore
		}
		if a.TriggeredCount != b.TriggeredCount {
			return a.TriggeredCount > b.TriggeredCount
		}
		return a.ID < b.ID
	})
	return out
}

func scopeIDs(o model.Outcome, scope model.MetricScope) []string {
	switch scope {
	case model.ScopeAgent:
		if o.AgentID == "" {
			return nil
		}
		return []string{o.AgentID}
	case model.ScopeRule:
		ids := ruleIDs(o)
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.String()
		}
		return out
	}
	return nil
}

// Leaderboard ranks agents over window w by success rate descending, then
// actions descending so well-tested agents outrank small samples at equal
// rates, then agent ID.
func Leaderboard(outcomes []model.Outcome, w Window) []model.AgentPerformance {
	byAgent := map[string]*tally{}
	for _, o := range Resolve(outcomes) {
		if o.AgentID == "" || !w.Contains(o.ObservedAt) {
			continue
		}
		t, ok := byAgent[o.AgentID]
		if !ok {
			t = &tally{}
			byAgent[o.AgentID] = t
		}
		t.add(o)
	}

	out := make([]model.AgentPerformance, 0, len(byAgent))
	for id, t := range byAgent {
		out = append(out, model.AgentPerformance{
			AgentID:      id,
			ActionsCount: t.triggered,
			Successes:    t.successes,
			SuccessRate:  t.score(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.ActionsCount != b.ActionsCount {
			return a.ActionsCount > b.ActionsCount
		}
		return a.AgentID < b.AgentID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

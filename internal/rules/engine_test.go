package rules_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shinsa/internal/facts"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/rules"
)

var fixedNow = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

func newEngine() *rules.Engine {
	return rules.NewEngine(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		rules.WithWorkers(4),
		rules.WithClock(func() time.Time { return fixedNow }),
	)
}

func statusRule(orgID uuid.UUID, name string, priority int, category string) model.Rule {
	return model.Rule{
		ID:       uuid.New(),
		OrgID:    orgID,
		Name:     name,
		Category: category,
		Priority: priority,
		Enabled:  true,
		Trigger:  model.All(model.Predicate("claim.status", model.OpEquals, "new")),
		Action:   model.ActionSpec{Type: model.ActionRecommend, Message: name},
	}
}

func newClaimFacts() facts.FactMap {
	return facts.New(map[string]any{
		"claim.status":  "new",
		"claim.carrier": "Acme Mutual",
		"photos.length": float64(1),
	})
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	t.Parallel()
	orgID := uuid.New()
	low := statusRule(orgID, "low", 3, "documentation")
	high := statusRule(orgID, "high", 8, "documentation")

	res, err := newEngine().Evaluate(context.Background(), orgID,
		rules.RuleSet{OrgID: orgID, Rules: []model.Rule{low, high}}, newClaimFacts())
	require.NoError(t, err)
	require.Len(t, res.Fired, 2)
	assert.Equal(t, high.ID, res.Fired[0].RuleID)
	assert.Equal(t, low.ID, res.Fired[1].RuleID)
	assert.Equal(t, 2, res.Evaluated)
	assert.Empty(t, res.Warnings)
}

func TestEvaluate_TieBreaks(t *testing.T) {
	t.Parallel()
	orgID := uuid.New()
	a := statusRule(orgID, "a", 5, "payment")
	b := statusRule(orgID, "b", 5, "documentation")
	c := statusRule(orgID, "c", 5, "documentation")
	a.ID = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	b.ID = uuid.MustParse("00000000-0000-4000-8000-000000000003")
	c.ID = uuid.MustParse("00000000-0000-4000-8000-000000000002")

	for range 10 {
		res, err := newEngine().Evaluate(context.Background(), orgID,
			rules.RuleSet{OrgID: orgID, Rules: []model.Rule{a, b, c}}, newClaimFacts())
		require.NoError(t, err)
		require.Len(t, res.Fired, 3)
		assert.Equal(t, []uuid.UUID{c.ID, b.ID, a.ID},
			[]uuid.UUID{res.Fired[0].RuleID, res.Fired[1].RuleID, res.Fired[2].RuleID})
	}
}

func TestEvaluate_TenantIsolation(t *testing.T) {
	t.Parallel()
	orgID := uuid.New()
	foreign := statusRule(uuid.New(), "foreign", 5, "documentation")

	_, err := newEngine().Evaluate(context.Background(), orgID,
		rules.RuleSet{OrgID: orgID, Rules: []model.Rule{statusRule(orgID, "own", 5, "documentation"), foreign}},
		newClaimFacts())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTenantIsolation))

	_, err = newEngine().Evaluate(context.Background(), orgID,
		rules.RuleSet{OrgID: uuid.New()}, newClaimFacts())
	assert.True(t, errors.Is(err, model.ErrTenantIsolation))
}

func TestEvaluate_SkipsDisabledAndInvalid(t *testing.T) {
	t.Parallel()
	orgID := uuid.New()
	disabled := statusRule(orgID, "disabled", 5, "documentation")
	disabled.Enabled = false
	deleted := statusRule(orgID, "deleted", 5, "documentation")
	deleted.DeletedAt = &fixedNow
	empty := statusRule(orgID, "empty", 9, "documentation")
	empty.Trigger = model.All()
	good := statusRule(orgID, "good", 2, "documentation")

	res, err := newEngine().Evaluate(context.Background(), orgID,
		rules.RuleSet{OrgID: orgID, Rules: []model.Rule{disabled, deleted, empty, good}}, newClaimFacts())
	require.NoError(t, err)
	require.Len(t, res.Fired, 1)
	assert.Equal(t, good.ID, res.Fired[0].RuleID)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, empty.ID, res.Warnings[0].RuleID)
	assert.Contains(t, res.Warnings[0].Reason, "at least one condition")
	assert.Equal(t, 1, res.Evaluated)
}

func TestEvaluate_FiredActionContents(t *testing.T) {
	t.Parallel()
	orgID := uuid.New()
	r := statusRule(orgID, "photos", 6, "documentation")
	r.Trigger = model.All(
		model.Predicate("claim.status", model.OpEquals, "new"),
		model.Predicate("photos.length", model.OpLT, 3),
		model.Predicate("claim.adjusterEmail", model.OpNotExists, nil),
	)
	r.Action.Category = "inspection"

	res, err := newEngine().Evaluate(context.Background(), orgID,
		rules.RuleSet{OrgID: orgID, Rules: []model.Rule{r}}, newClaimFacts())
	require.NoError(t, err)
	require.Len(t, res.Fired, 1)

	fa := res.Fired[0]
	assert.Equal(t, "photos", fa.RuleName)
	assert.Equal(t, 6, fa.Priority)
	assert.Equal(t, 6, fa.Action.Priority, "zero action priority inherits the rule's")
	assert.Equal(t, "inspection", fa.Category)
	assert.Equal(t, fixedNow, fa.FiredAt)
	assert.Equal(t, map[string]any{"claim.status": "new", "photos.length": float64(1)}, fa.FactsSnapshot)
}

func TestEvaluate_NoMatchesIsEmptyNotNil(t *testing.T) {
	t.Parallel()
	orgID := uuid.New()
	res, err := newEngine().Evaluate(context.Background(), orgID,
		rules.RuleSet{OrgID: orgID}, facts.New(nil))
	require.NoError(t, err)
	assert.NotNil(t, res.Fired)
	assert.Empty(t, res.Fired)
}

func TestEvaluate_CanceledBeforeStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orgID := uuid.New()
	_, err := newEngine().Evaluate(ctx, orgID, rules.RuleSet{OrgID: orgID}, newClaimFacts())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluate_Deterministic(t *testing.T) {
	t.Parallel()
	orgID := uuid.New()
	var rs []model.Rule
	for i := range 40 {
		rs = append(rs, statusRule(orgID, "r", 1+i%10, []string{"payment", "documentation", "negotiation"}[i%3]))
	}
	set := rules.RuleSet{OrgID: orgID, Rules: rs}

	first, err := newEngine().Evaluate(context.Background(), orgID, set, newClaimFacts())
	require.NoError(t, err)
	for range 5 {
		again, err := newEngine().Evaluate(context.Background(), orgID, set, newClaimFacts())
		require.NoError(t, err)
		assert.Equal(t, first.Fired, again.Fired)
	}
}

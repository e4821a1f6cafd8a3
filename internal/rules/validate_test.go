package rules_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/rules"
	"github.com/ashita-ai/shinsa/internal/trigger"
)

func validRule() model.Rule {
	return model.Rule{
		Name:     "Request roof photos",
		Category: "documentation",
		Priority: 5,
		Enabled:  true,
		Trigger:  model.All(model.Predicate("photos.byCategory.roof", model.OpNotExists, nil)),
		Action: model.ActionSpec{
			Type:    model.ActionRecommend,
			Message: "Ask the homeowner for roof photos",
			Payload: map[string]any{"confidence_prior": 0.7, "kind": "next_best_action"},
		},
	}
}

func TestValidateRule_Accepts(t *testing.T) {
	t.Parallel()
	require.NoError(t, rules.ValidateRule(validRule()))

	flag := validRule()
	flag.Action = model.ActionSpec{Type: model.ActionFlag, Payload: map[string]any{"flag": "fraud_risk"}}
	require.NoError(t, rules.ValidateRule(flag))

	adj := validRule()
	adj.Action = model.ActionSpec{Type: model.ActionScoreAdjust, Payload: map[string]any{"score_delta": -1.5}}
	require.NoError(t, rules.ValidateRule(adj))
}

func TestValidateRule_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*model.Rule)
		path   string
	}{
		{"blank name", func(r *model.Rule) { r.Name = "  " }, "name"},
		{"long name", func(r *model.Rule) { r.Name = strings.Repeat("n", model.MaxRuleNameLen+1) }, "name"},
		{"priority zero", func(r *model.Rule) { r.Priority = 0 }, "priority"},
		{"priority eleven", func(r *model.Rule) { r.Priority = 11 }, "priority"},
		{"unknown category", func(r *model.Rule) { r.Category = "marketing" }, "category"},
		{"empty trigger", func(r *model.Rule) { r.Trigger = model.TriggerNode{} }, "trigger"},
		{"bad predicate", func(r *model.Rule) {
			r.Trigger = model.All(model.Predicate("claim.status", model.OpEquals, nil))
		}, "trigger.all[0].value"},
		{"unknown action type", func(r *model.Rule) { r.Action.Type = "notify" }, "action.type"},
		{"action priority out of range", func(r *model.Rule) { r.Action.Priority = 12 }, "action.priority"},
		{"unknown action category", func(r *model.Rule) { r.Action.Category = "sales" }, "action.category"},
		{"prior above one", func(r *model.Rule) { r.Action.Payload["confidence_prior"] = 1.2 }, "action.payload.confidence_prior"},
		{"prior not numeric", func(r *model.Rule) { r.Action.Payload["confidence_prior"] = "high" }, "action.payload.confidence_prior"},
		{"bad expected outcome", func(r *model.Rule) { r.Action.Payload["expected_outcome"] = "won" }, "action.payload.expected_outcome"},
		{"recommend without message", func(r *model.Rule) { r.Action.Message = "" }, "action.message"},
		{"bad kind", func(r *model.Rule) { r.Action.Payload["kind"] = "tip" }, "action.payload.kind"},
		{"unknown flag", func(r *model.Rule) {
			r.Action = model.ActionSpec{Type: model.ActionFlag, Payload: map[string]any{"flag": "vip"}}
		}, "action.payload.flag"},
		{"score_adjust without delta", func(r *model.Rule) {
			r.Action = model.ActionSpec{Type: model.ActionScoreAdjust}
		}, "action.payload.score_delta"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(&r)
			err := rules.ValidateRule(r)
			require.Error(t, err)
			var ve *trigger.ValidationError
			require.True(t, errors.As(err, &ve), "want *trigger.ValidationError, got %T", err)
			assert.Equal(t, tt.path, ve.Path)
		})
	}
}

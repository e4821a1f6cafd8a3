package rules

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/trigger"
)

// ValidateRule checks a rule before it is saved. Failures are
// *trigger.ValidationError values whose Path names the offending field.
func ValidateRule(r model.Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "name is required")
	}
	if len(r.Name) > model.MaxRuleNameLen {
		return invalid("name", fmt.Sprintf("name exceeds maximum length of %d characters", model.MaxRuleNameLen))
	}
	if len(r.Description) > model.MaxRuleDescriptionLen {
		return invalid("description", fmt.Sprintf("description exceeds maximum length of %d bytes", model.MaxRuleDescriptionLen))
	}
	if r.Priority < model.MinPriority || r.Priority > model.MaxPriority {
		return invalid("priority", fmt.Sprintf("priority must be between %d and %d", model.MinPriority, model.MaxPriority))
	}
	if !model.KnownCategories[r.Category] {
		return invalid("category", fmt.Sprintf("unknown category %q", r.Category))
	}
	if err := trigger.Validate(r.Trigger); err != nil {
		return err
	}
	return validateAction(r.Action)
}

func validateAction(a model.ActionSpec) error {
	if !a.Type.Valid() {
		return invalid("action.type", fmt.Sprintf("unknown action type %q", a.Type))
	}
	if a.Priority != 0 && (a.Priority < model.MinPriority || a.Priority > model.MaxPriority) {
		return invalid("action.priority", fmt.Sprintf("priority must be 0 (inherit) or between %d and %d", model.MinPriority, model.MaxPriority))
	}
	if len(a.Message) > model.MaxActionMessageLen {
		return invalid("action.message", fmt.Sprintf("message exceeds maximum length of %d bytes", model.MaxActionMessageLen))
	}
	if a.Category != "" && !model.KnownCategories[a.Category] {
		return invalid("action.category", fmt.Sprintf("unknown category %q", a.Category))
	}
	if a.HasConfidencePrior() {
		f, ok := numeric(a.Payload[model.PayloadConfidencePrior])
		if !ok || f < 0 || f > 1 {
			return invalid("action.payload.confidence_prior", "confidence_prior must be a number between 0 and 1")
		}
	}
	if v, ok := a.Payload[model.PayloadExpectedOutcome]; ok {
		s, _ := v.(string)
		if !model.ObservedResult(s).Valid() {
			return invalid("action.payload.expected_outcome", "expected_outcome must be success, failure or neutral")
		}
	}

	switch a.Type {
	case model.ActionRecommend:
		if strings.TrimSpace(a.Message) == "" {
			return invalid("action.message", "recommend actions require a message")
		}
		if v, ok := a.Payload[model.PayloadKind]; ok {
			k := model.RecommendationKind(fmt.Sprint(v))
			if k != model.KindNextBestAction && k != model.KindNegotiationTactic {
				return invalid("action.payload.kind", fmt.Sprintf("kind must be %s or %s", model.KindNextBestAction, model.KindNegotiationTactic))
			}
		}
	case model.ActionFlag:
		flag := a.StringPayload(model.PayloadFlag)
		if !model.KnownFlags[flag] {
			return invalid("action.payload.flag", fmt.Sprintf("unknown flag %q", flag))
		}
	case model.ActionScoreAdjust:
		if _, ok := numeric(a.Payload[model.PayloadScoreDelta]); !ok {
			return invalid("action.payload.score_delta", "score_adjust actions require a numeric score_delta")
		}
	}
	return nil
}

func invalid(path, reason string) error {
	return &trigger.ValidationError{Path: path, Reason: reason}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// Limits on caller-supplied rule text, which is copied into the reasoning
// of every recommendation the rule produces.
const (
	MaxRuleNameLen        = 200
	MaxRuleDescriptionLen = 4 * 1024
	MaxActionMessageLen   = 4 * 1024
)

// Priority bounds for rules. Higher fires first.
const (
	MinPriority = 1
	MaxPriority = 10
)

// DefaultConfidencePrior is used when a recommend action carries no prior.
const DefaultConfidencePrior = 0.5

// KnownCategories are the analytics buckets rules may be filed under.
// Category strings stay open at the wire boundary but are checked against
// this set when a rule is saved.
var KnownCategories = map[string]bool{
	"documentation": true,
	"inspection":    true,
	"supplement":    true,
	"negotiation":   true,
	"communication": true,
	"payment":       true,
	"escalation":    true,
	"compliance":    true,
}

// KnownFlags are the flag keys a flag action may raise.
var KnownFlags = map[string]bool{
	"fraud_risk":            true,
	"missing_documentation": true,
	"high_value":            true,
	"stalled":               true,
	"litigation_risk":       true,
}

// ActionType enumerates what a fired rule asks for.
type ActionType string

const (
	ActionRecommend   ActionType = "recommend"
	ActionFlag        ActionType = "flag"
	ActionScoreAdjust ActionType = "score_adjust"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionRecommend, ActionFlag, ActionScoreAdjust:
		return true
	}
	return false
}

// Payload keys understood by the synthesizer.
const (
	PayloadConfidencePrior = "confidence_prior"
	PayloadKind            = "kind"
	PayloadLabel           = "label"
	PayloadExpectedOutcome = "expected_outcome"
	PayloadScoreDelta      = "score_delta"
	PayloadFlag            = "flag"
)

// ActionSpec is what a rule emits when its trigger matches.
type ActionSpec struct {
	Type     ActionType     `json:"type"`
	Priority int            `json:"priority"`
	Message  string         `json:"message"`
	Category string         `json:"category,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ConfidencePrior returns the rule author's confidence in the action,
// clamped to [0,1]. Missing or non-numeric priors fall back to the default.
func (a ActionSpec) ConfidencePrior() float64 {
	v, ok := a.Payload[PayloadConfidencePrior]
	if !ok {
		return DefaultConfidencePrior
	}
	f, ok := asFloat(v)
	if !ok {
		return DefaultConfidencePrior
	}
	return Clamp01(f)
}

// HasConfidencePrior reports whether the payload sets an explicit prior.
func (a ActionSpec) HasConfidencePrior() bool {
	_, ok := a.Payload[PayloadConfidencePrior]
	return ok
}

// StringPayload returns a string payload value or "".
func (a ActionSpec) StringPayload(key string) string {
	if s, ok := a.Payload[key].(string); ok {
		return s
	}
	return ""
}

// ScoreDelta returns the score_adjust delta, 0 when absent.
func (a ActionSpec) ScoreDelta() float64 {
	f, _ := asFloat(a.Payload[PayloadScoreDelta])
	return f
}

// ExpectedOutcome is the historical result a similar case must show to count
// as agreeing with this action. Defaults to success.
func (a ActionSpec) ExpectedOutcome() ObservedResult {
	if s := ObservedResult(a.StringPayload(PayloadExpectedOutcome)); s.Valid() {
		return s
	}
	return ResultSuccess
}

// Rule is an organization-owned business rule.
// Rules are soft-deleted only (DeletedAt set, Enabled false) so outcome
// history that references them keeps resolving.
type Rule struct {
	ID          uuid.UUID   `json:"id"`
	OrgID       uuid.UUID   `json:"org_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	Priority    int         `json:"priority"`
	Trigger     TriggerNode `json:"trigger"`
	Action      ActionSpec  `json:"action"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
}

// ActionCategory is the category recommendations of this rule are grouped
// under: the action's own category when set, otherwise the rule's.
func (r Rule) ActionCategory() string {
	if r.Action.Category != "" {
		return r.Action.Category
	}
	return r.Category
}

// Active reports whether the rule participates in evaluation.
func (r Rule) Active() bool {
	return r.Enabled && r.DeletedAt == nil
}

// RulePatch is a partial update. Nil fields are left unchanged.
type RulePatch struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Category    *string      `json:"category,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	Trigger     *TriggerNode `json:"trigger,omitempty"`
	Action      *ActionSpec  `json:"action,omitempty"`
	Enabled     *bool        `json:"enabled,omitempty"`
}

// Apply returns a copy of r with the patch applied.
func (r Rule) Apply(p RulePatch) Rule {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Trigger != nil {
		r.Trigger = *p.Trigger
	}
	if p.Action != nil {
		r.Action = *p.Action
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	return r
}

// CreateRuleRequest is the request body for POST /v1/rules.
type CreateRuleRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	Priority    int         `json:"priority"`
	Trigger     TriggerNode `json:"trigger"`
	Action      ActionSpec  `json:"action"`
	Enabled     *bool       `json:"enabled,omitempty"`
}

// ToRule converts the request into an unsaved rule owned by orgID.
// Rules are enabled unless the request says otherwise.
func (req CreateRuleRequest) ToRule(orgID uuid.UUID) Rule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return Rule{
		OrgID:       orgID,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Priority:    req.Priority,
		Trigger:     req.Trigger,
		Action:      req.Action,
		Enabled:     enabled,
	}
}

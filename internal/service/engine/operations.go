package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/explain"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/outcomes"
	"github.com/ashita-ai/shinsa/internal/rules"
)

// RecordOutcome appends an observed outcome. A report already stored is
// not an error: the stored outcome comes back with Duplicate set.
func (s *Service) RecordOutcome(ctx context.Context, orgID uuid.UUID, req model.RecordOutcomeRequest) (model.RecordOutcomeResponse, error) {
	o, created, err := s.recorder.Record(ctx, orgID, outcomes.InputFromRequest(req))
	if err != nil {
		return model.RecordOutcomeResponse{}, err
	}
	s.afterOutcome(ctx, orgID, created)
	return model.RecordOutcomeResponse{Outcome: o, Duplicate: !created}, nil
}

// CompensateOutcome appends a correction to an earlier outcome.
func (s *Service) CompensateOutcome(ctx context.Context, orgID, outcomeID uuid.UUID, result model.ObservedResult) (model.RecordOutcomeResponse, error) {
	o, created, err := s.recorder.Compensate(ctx, orgID, outcomeID, result)
	if err != nil {
		return model.RecordOutcomeResponse{}, err
	}
	s.afterOutcome(ctx, orgID, created)
	return model.RecordOutcomeResponse{Outcome: o, Duplicate: !created}, nil
}

func (s *Service) afterOutcome(ctx context.Context, orgID uuid.UUID, created bool) {
	s.outcomesRecord.Add(ctx, 1, metric.WithAttributes(attribute.Bool("duplicate", !created)))
	if !created {
		s.logger.Debug("engine: duplicate outcome absorbed", "org_id", orgID)
		return
	}
	s.analytics.Invalidate(orgID)
	// Other instances drop their cached analytics when they hear this.
	if err := s.store.NotifyOutcome(ctx, orgID); err != nil {
		s.logger.Warn("engine: notify outcome", "org_id", orgID, "error", err)
	}
}

// InvalidateAnalytics drops cached analytics for orgID.
func (s *Service) InvalidateAnalytics(orgID uuid.UUID) {
	s.analytics.Invalidate(orgID)
}

// Analytics returns the effectiveness report for orgID over w. A zero
// window means the last seven days.
func (s *Service) Analytics(ctx context.Context, orgID uuid.UUID, w effectiveness.Window) (model.Analytics, error) {
	return s.analytics.Analytics(ctx, orgID, w)
}

// Explain reconstructs a stored recommendation from the records frozen
// when it was created.
func (s *Service) Explain(ctx context.Context, orgID, recommendationID uuid.UUID) (model.Explanation, error) {
	rec, err := s.store.GetRecommendation(ctx, recommendationID)
	if err != nil {
		return model.Explanation{}, fmt.Errorf("engine: explain: %w", err)
	}
	if rec.OrgID != orgID {
		return model.Explanation{}, fmt.Errorf("engine: recommendation %s belongs to another org: %w", recommendationID, model.ErrTenantIsolation)
	}
	fired, err := s.store.ListFiredActions(ctx, rec.EvaluationID)
	if err != nil {
		return model.Explanation{}, fmt.Errorf("engine: explain: %w", err)
	}
	similar, err := s.store.ListSimilarCases(ctx, rec.ID)
	if err != nil {
		return model.Explanation{}, fmt.Errorf("engine: explain: %w", err)
	}
	return explain.Build(rec, fired, similar), nil
}

// ValidateRule checks a rule without saving it.
func (s *Service) ValidateRule(r model.Rule) error {
	return rules.ValidateRule(r)
}

// CreateRule validates and stores a new rule.
func (s *Service) CreateRule(ctx context.Context, orgID uuid.UUID, req model.CreateRuleRequest) (model.Rule, error) {
	r := req.ToRule(orgID)
	if err := rules.ValidateRule(r); err != nil {
		return model.Rule{}, err
	}
	created, err := s.store.CreateRule(ctx, r)
	if err != nil {
		return model.Rule{}, fmt.Errorf("engine: create rule: %w", err)
	}
	s.logger.Info("engine: rule created", "org_id", orgID, "rule_id", created.ID, "name", created.Name)
	return created, nil
}

// GetRule returns one of the org's rules, including disabled ones.
func (s *Service) GetRule(ctx context.Context, orgID, id uuid.UUID) (model.Rule, error) {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return model.Rule{}, fmt.Errorf("engine: get rule: %w", err)
	}
	if r.OrgID != orgID {
		return model.Rule{}, fmt.Errorf("engine: rule %s belongs to another org: %w", id, model.ErrTenantIsolation)
	}
	return r, nil
}

// ListRules returns the org's rules. Disabled and deleted rules are
// included only when includeDisabled is set.
func (s *Service) ListRules(ctx context.Context, orgID uuid.UUID, includeDisabled bool) ([]model.Rule, error) {
	rs, err := s.store.ListRules(ctx, orgID, includeDisabled)
	if err != nil {
		return nil, fmt.Errorf("engine: list rules: %w", err)
	}
	return rs, nil
}

// UpdateRule applies patch. The patched rule is validated before it is
// written; an invalid result leaves the stored rule untouched.
func (s *Service) UpdateRule(ctx context.Context, orgID, id uuid.UUID, patch model.RulePatch) (model.Rule, error) {
	if _, err := s.GetRule(ctx, orgID, id); err != nil {
		return model.Rule{}, err
	}
	r, err := s.store.UpdateRule(ctx, orgID, id, patch, rules.ValidateRule)
	if err != nil {
		return model.Rule{}, fmt.Errorf("engine: update rule: %w", err)
	}
	s.logger.Info("engine: rule updated", "org_id", orgID, "rule_id", id)
	return r, nil
}

// DisableRule soft-deletes a rule. Outcome history keeps referring to it.
func (s *Service) DisableRule(ctx context.Context, orgID, id uuid.UUID) error {
	if _, err := s.GetRule(ctx, orgID, id); err != nil {
		return err
	}
	if err := s.store.DeleteRule(ctx, orgID, id); err != nil {
		return fmt.Errorf("engine: disable rule: %w", err)
	}
	s.logger.Info("engine: rule disabled", "org_id", orgID, "rule_id", id)
	return nil
}

// IngestClaim mirrors a claim and its related entities from the CRM.
// The bundle's claim is forced into orgID.
func (s *Service) IngestClaim(ctx context.Context, orgID uuid.UUID, b model.ClaimBundle) error {
	b.Claim.OrgID = orgID
	if b.Claim.ID == uuid.Nil {
		return fmt.Errorf("%w: claim id is required", ErrInvalidInput)
	}
	if err := s.store.UpsertClaimBundle(ctx, b); err != nil {
		return fmt.Errorf("engine: ingest claim: %w", err)
	}
	return nil
}

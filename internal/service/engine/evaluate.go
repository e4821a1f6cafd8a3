package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/facts"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/rules"
	"github.com/ashita-ai/shinsa/internal/search"
	"github.com/ashita-ai/shinsa/internal/service/embedding"
	"github.com/ashita-ai/shinsa/internal/synth"
)

// EvaluateClaim runs the full pipeline for one claim and persists the
// result: fired actions, recommendations and similar-case links are written
// in one transaction.
//
// A claim owned by another org fails with model.ErrTenantIsolation. Related
// entities that fail to load within FetchTimeout are marked unavailable and
// evaluation continues on partial facts. Similar-case and carrier-history
// lookups degrade to empty on failure. Once rule evaluation has started it
// runs to completion.
func (s *Service) EvaluateClaim(ctx context.Context, orgID, claimID uuid.UUID) (model.Evaluation, error) {
	start := s.now()
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("shinsa.org_id", orgID.String()),
		attribute.String("shinsa.claim_id", claimID.String()),
	)

	if err := ctx.Err(); err != nil {
		return model.Evaluation{}, fmt.Errorf("engine: evaluate: %w", err)
	}

	bundle, err := s.loadBundle(ctx, orgID, claimID)
	if err != nil {
		return model.Evaluation{}, err
	}

	ruleList, err := s.store.ListRules(ctx, orgID, false)
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("engine: load rules: %w", err)
	}
	set := rules.RuleSet{OrgID: orgID, Rules: ruleList, LoadedAt: start}

	fm := facts.Extract(bundle)
	if perr := fm.PartialData(); perr != nil {
		s.partialData.Add(ctx, 1)
		s.logger.Warn("engine: evaluating on partial data",
			"org_id", orgID, "claim_id", claimID, "error", perr)
	}

	res, err := s.rules.Evaluate(ctx, orgID, set, fm)
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("engine: %w", err)
	}
	s.firedActions.Add(ctx, int64(len(res.Fired)))

	// Context lookups are only worth doing when something fired.
	var (
		vec       []float32
		text      string
		similar   = []model.SimilarCase{}
		history   map[uuid.UUID]model.CarrierStats
		ruleStats map[uuid.UUID]model.EffectivenessMetric
	)
	if s.embedder != nil && !embedding.IsNoop(s.embedder) {
		text = embedding.ClaimText(bundle)
		vec = s.embedClaim(ctx, claimID, text)
	}
	if len(res.Fired) > 0 {
		similar = s.similarCases(ctx, orgID, claimID, vec)
		history = s.carrierHistory(ctx, orgID, bundle.Claim.Carrier)
		ruleStats = s.ruleEffectiveness(ctx, orgID)
	}

	evID := s.newID()
	now := s.now().UTC()
	recs := synth.Synthesize(synth.Input{
		OrgID:             orgID,
		ClaimID:           claimID,
		EvaluationID:      evID,
		Fired:             res.Fired,
		SimilarCases:      similar,
		CarrierHistory:    history,
		RuleEffectiveness: ruleStats,
		Now:               now,
		NewID:             s.newID,
	})

	warnings := make([]string, len(res.Warnings))
	for i, w := range res.Warnings {
		warnings[i] = w.String()
	}
	ev := model.Evaluation{
		ID:              evID,
		OrgID:           orgID,
		ClaimID:         claimID,
		RulesEvaluated:  res.Evaluated,
		Warnings:        warnings,
		Unavailable:     fm.UnavailableEntities(),
		ScoreAdjustment: synth.ScoreAdjustment(res.Fired),
		Fired:           res.Fired,
		Recommendations: recs,
		SimilarCases:    similar,
		CreatedAt:       now,
	}
	if err := s.store.SaveEvaluation(ctx, ev); err != nil {
		return model.Evaluation{}, fmt.Errorf("engine: save evaluation: %w", err)
	}

	// A degraded bundle would index misleading text.
	if vec != nil && len(bundle.Unavailable) == 0 {
		s.indexClaim(ctx, orgID, claimID, text, vec)
	}

	s.evalDuration.Record(ctx, float64(s.now().Sub(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("partial", len(ev.Unavailable) > 0)))
	s.logger.Debug("engine: claim evaluated",
		"org_id", orgID,
		"claim_id", claimID,
		"evaluation_id", evID,
		"fired", len(res.Fired),
		"recommendations", len(recs),
		"similar_cases", len(similar),
	)
	return ev, nil
}

// loadBundle fetches the claim and its related entities. The claim itself
// is required; related entities are best effort within FetchTimeout.
func (s *Service) loadBundle(ctx context.Context, orgID, claimID uuid.UUID) (model.ClaimBundle, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	claim, err := s.store.GetClaim(fetchCtx, claimID)
	if err != nil {
		return model.ClaimBundle{}, fmt.Errorf("engine: load claim %s: %w", claimID, err)
	}
	if claim.OrgID != orgID {
		return model.ClaimBundle{}, fmt.Errorf("engine: claim %s belongs to another org: %w", claimID, model.ErrTenantIsolation)
	}

	b := model.ClaimBundle{Claim: claim}
	var (
		supplementsErr error
		photosErr      error
		inspectionsErr error
	)
	// Each fetch records its own failure; none cancels the others.
	var g errgroup.Group
	g.Go(func() error {
		b.Supplements, supplementsErr = s.store.ListSupplements(fetchCtx, orgID, claimID)
		return nil
	})
	g.Go(func() error {
		b.Photos, photosErr = s.store.ListPhotos(fetchCtx, orgID, claimID)
		return nil
	})
	g.Go(func() error {
		b.Inspections, inspectionsErr = s.store.ListInspections(fetchCtx, orgID, claimID)
		return nil
	})
	_ = g.Wait()

	for _, f := range []struct {
		entity string
		err    error
	}{
		{model.EntitySupplements, supplementsErr},
		{model.EntityPhotos, photosErr},
		{model.EntityInspections, inspectionsErr},
	} {
		if f.err == nil {
			continue
		}
		b.Unavailable = append(b.Unavailable, f.entity)
		s.logger.Warn("engine: related entity unavailable",
			"org_id", orgID, "claim_id", claimID, "entity", f.entity, "error", f.err)
	}
	return b, nil
}

func (s *Service) embedClaim(ctx context.Context, claimID uuid.UUID, text string) []float32 {
	embCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	v, err := s.embedder.Embed(embCtx, text)
	if err != nil {
		s.logger.Warn("engine: claim embedding failed, continuing without similar cases",
			"claim_id", claimID, "error", err)
		return nil
	}
	return v.Slice()
}

// similarCases returns ranked neighbours with their latest known outcome.
// Any failure yields no cases, which makes confidence fall back to priors.
func (s *Service) similarCases(ctx context.Context, orgID, claimID uuid.UUID, vec []float32) []model.SimilarCase {
	if s.finder == nil || vec == nil {
		return []model.SimilarCase{}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	hits, err := s.finder.FindSimilar(fetchCtx, orgID, vec, claimID, s.cfg.SimilarCases)
	if err != nil {
		s.logger.Warn("engine: similar-case lookup failed", "org_id", orgID, "claim_id", claimID, "error", err)
		return []model.SimilarCase{}
	}
	if len(hits) == 0 {
		return []model.SimilarCase{}
	}

	outs, err := s.store.ListOutcomesForClaims(fetchCtx, orgID, search.ClaimIDs(hits))
	if err != nil {
		s.logger.Warn("engine: similar-case outcomes unavailable", "org_id", orgID, "claim_id", claimID, "error", err)
		outs = nil
	}
	return search.Rank(hits, effectiveness.LatestByClaim(outs), s.cfg.MinSimilarity, s.cfg.SimilarCases)
}

func (s *Service) carrierHistory(ctx context.Context, orgID uuid.UUID, carrier string) map[uuid.UUID]model.CarrierStats {
	if carrier == "" {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	outs, err := s.store.ListOutcomesByCarrier(fetchCtx, orgID, carrier, s.now().Add(-s.cfg.CarrierHistory))
	if err != nil {
		s.logger.Warn("engine: carrier history unavailable", "org_id", orgID, "carrier", carrier, "error", err)
		return nil
	}
	return effectiveness.CarrierHistory(carrier, outs)
}

func (s *Service) ruleEffectiveness(ctx context.Context, orgID uuid.UUID) map[uuid.UUID]model.EffectivenessMetric {
	m, err := s.analytics.RuleEffectiveness(ctx, orgID)
	if err != nil {
		s.logger.Warn("engine: rule effectiveness unavailable", "org_id", orgID, "error", err)
		return nil
	}
	return m
}

// indexClaim stores the claim's embedding for future lookups. Unchanged
// text is skipped. Failures are logged only.
func (s *Service) indexClaim(ctx context.Context, orgID, claimID uuid.UUID, text string, vec []float32) {
	hash := embedding.ContentHash(text)
	stored, err := s.store.ClaimEmbeddingHash(ctx, claimID)
	if err != nil {
		s.logger.Warn("engine: read claim embedding hash", "claim_id", claimID, "error", err)
		return
	}
	if stored == hash {
		return
	}
	if _, err := s.store.UpsertClaimEmbedding(ctx, orgID, claimID, pgvector.NewVector(vec), hash); err != nil {
		s.logger.Warn("engine: index claim embedding", "claim_id", claimID, "error", err)
	}
}

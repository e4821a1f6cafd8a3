package effectiveness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/shinsa/internal/model"
)

// AnalyticsInput is the data one analytics report is built from.
type AnalyticsInput struct {
	Window          Window
	Outcomes        []model.Outcome
	Rules           []model.Rule
	Recommendations int
}

// BuildAnalytics assembles the admin analytics report.
func BuildAnalytics(in AnalyticsInput) model.Analytics {
	resolved := Resolve(in.Outcomes)
	summary := model.AnalyticsSummary{
		From:            in.Window.From,
		To:              in.Window.To,
		Recommendations: in.Recommendations,
	}
	for _, o := range resolved {
		if !in.Window.Contains(o.ObservedAt) {
			continue
		}
		summary.Outcomes++
		if o.ObservedResult == model.ResultSuccess {
			summary.Successes++
		}
	}
	if summary.Outcomes > 0 {
		summary.SuccessRate = float64(summary.Successes) / float64(summary.Outcomes)
	}

	names := make(map[string]string, len(in.Rules))
	for _, r := range in.Rules {
		names[r.ID.String()] = r.Name
		if r.Active() {
			summary.ActiveRules++
		}
	}

	rulesOut := ComputeAll(in.Outcomes, model.ScopeRule, in.Window)
	for i := range rulesOut {
		rulesOut[i].Name = names[rulesOut[i].ID]
	}

	return model.Analytics{
		Metrics:           summary,
		AgentPerformance:  Leaderboard(in.Outcomes, in.Window),
		RuleEffectiveness: rulesOut,
	}
}

// Store is the read side the analytics service needs.
type Store interface {
	// ListOutcomes returns original outcomes observed in [from, to) plus
	// every compensation that targets them.
	ListOutcomes(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]model.Outcome, error)
	ListRules(ctx context.Context, orgID uuid.UUID, includeDisabled bool) ([]model.Rule, error)
	CountRecommendations(ctx context.Context, orgID uuid.UUID, from, to time.Time) (int, error)
}

// DefaultTTL bounds how stale a cached report may be.
const DefaultTTL = 30 * time.Second

// fillTimeout bounds one shared store read. The read outlives any single
// caller, so it cannot borrow a caller's deadline.
const fillTimeout = 10 * time.Second

// Service serves analytics from a short-lived per-org cache. Concurrent
// misses for the same key share one store read. Reads never take locks the
// outcome write path needs.
type Service struct {
	store  Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cached
	// gens counts invalidations per org. A fill that started under an older
	// generation is returned to its callers but never cached.
	gens map[uuid.UUID]uint64
}

type cached struct {
	report  model.Analytics
	expires time.Time
}

// NewService creates an analytics Service. ttl <= 0 uses DefaultTTL.
func NewService(store Store, logger *slog.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cached),
		gens:   make(map[uuid.UUID]uint64),
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Analytics returns the report for orgID over w. A zero window means the
// DefaultWindow ending now.
func (s *Service) Analytics(ctx context.Context, orgID uuid.UUID, w Window) (model.Analytics, error) {
	if w.From.IsZero() && w.To.IsZero() {
		w = WindowEnding(s.now().UTC().Truncate(time.Minute), DefaultWindow)
	}
	if !w.To.After(w.From) {
		return model.Analytics{}, fmt.Errorf("effectiveness: window end %s is not after start %s", w.To, w.From)
	}

	key := fmt.Sprintf("%s|%d|%d", orgID, w.From.UnixNano(), w.To.UnixNano())
	if rep, ok := s.lookup(key); ok {
		return rep, nil
	}

	gen := s.generation(orgID)
	ch := s.group.DoChan(fmt.Sprintf("%s|%d", key, gen), func() (any, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		rep, err := s.build(fillCtx, orgID, w)
		if err != nil {
			return nil, err
		}
		s.put(orgID, gen, key, rep)
		return rep, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Analytics{}, res.Err
		}
		return res.Val.(model.Analytics), nil
	case <-ctx.Done():
		return model.Analytics{}, ctx.Err()
	}
}

func (s *Service) build(ctx context.Context, orgID uuid.UUID, w Window) (model.Analytics, error) {
	prev := w.Previous()
	outs, err := s.store.ListOutcomes(ctx, orgID, prev.From, w.To)
	if err != nil {
		return model.Analytics{}, fmt.Errorf("effectiveness: list outcomes: %w", err)
	}
	rs, err := s.store.ListRules(ctx, orgID, true)
	if err != nil {
		return model.Analytics{}, fmt.Errorf("effectiveness: list rules: %w", err)
	}
	n, err := s.store.CountRecommendations(ctx, orgID, w.From, w.To)
	if err != nil {
		return model.Analytics{}, fmt.Errorf("effectiveness: count recommendations: %w", err)
	}
	return BuildAnalytics(AnalyticsInput{Window: w, Outcomes: outs, Rules: rs, Recommendations: n}), nil
}

// RuleEffectiveness returns the current-window metric of every rule with
// outcomes, keyed by rule ID. The synthesizer blends these into priors.
func (s *Service) RuleEffectiveness(ctx context.Context, orgID uuid.UUID) (map[uuid.UUID]model.EffectivenessMetric, error) {
	rep, err := s.Analytics(ctx, orgID, Window{})
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]model.EffectivenessMetric, len(rep.RuleEffectiveness))
	for _, m := range rep.RuleEffectiveness {
		id, err := uuid.Parse(m.ID)
		if err != nil {
			continue
		}
		out[id] = m
	}
	return out, nil
}

// Invalidate drops every cached report for orgID.
func (s *Service) Invalidate(orgID uuid.UUID) {
	prefix := orgID.String() + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[orgID]++
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
		}
	}
}

func (s *Service) lookup(key string) (model.Analytics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[key]
	if !ok || s.now().After(c.expires) {
		return model.Analytics{}, false
	}
	return c.report, true
}

func (s *Service) generation(orgID uuid.UUID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[orgID]
}

// put caches rep unless orgID was invalidated since the fill began.
func (s *Service) put(orgID uuid.UUID, gen uint64, key string, rep model.Analytics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[orgID] != gen {
		return
	}
	s.cache[key] = cached{report: rep, expires: s.now().Add(s.ttl)}
}

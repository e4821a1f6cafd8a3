package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/search"
	"github.com/ashita-ai/shinsa/internal/storage"
)

var testNow = time.Date(2026, 9, 14, 9, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with per-method failure hooks.
type memStore struct {
	mu sync.Mutex

	claims      map[uuid.UUID]model.Claim
	supplements map[uuid.UUID][]model.Supplement
	photos      map[uuid.UUID][]model.Photo
	inspections map[uuid.UUID][]model.Inspection
	rules       map[uuid.UUID]model.Rule
	evaluations []model.Evaluation
	recs        map[uuid.UUID]model.Recommendation
	outcomes    []model.Outcome
	hashes      map[uuid.UUID]string
	embedded    map[uuid.UUID]pgvector.Vector
	notified    []uuid.UUID

	photosErr        error
	inspectionsBlock bool
	saveErr          error
	carrierErr       error
}

func newMemStore() *memStore {
	return &memStore{
		claims:      map[uuid.UUID]model.Claim{},
		supplements: map[uuid.UUID][]model.Supplement{},
		photos:      map[uuid.UUID][]model.Photo{},
		inspections: map[uuid.UUID][]model.Inspection{},
		rules:       map[uuid.UUID]model.Rule{},
		recs:        map[uuid.UUID]model.Recommendation{},
		hashes:      map[uuid.UUID]string{},
		embedded:    map[uuid.UUID]pgvector.Vector{},
	}
}

func (m *memStore) GetClaim(_ context.Context, id uuid.UUID) (model.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return model.Claim{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListSupplements(_ context.Context, _, claimID uuid.UUID) ([]model.Supplement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supplements[claimID], nil
}

func (m *memStore) ListPhotos(_ context.Context, _, claimID uuid.UUID) ([]model.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.photosErr != nil {
		return nil, m.photosErr
	}
	return m.photos[claimID], nil
}

func (m *memStore) ListInspections(ctx context.Context, _, claimID uuid.UUID) ([]model.Inspection, error) {
	m.mu.Lock()
	block := m.inspectionsBlock
	out := m.inspections[claimID]
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return out, nil
}

func (m *memStore) UpsertClaimBundle(_ context.Context, b model.ClaimBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.claims[b.Claim.ID]; ok && existing.OrgID != b.Claim.OrgID {
		return model.ErrTenantIsolation
	}
	m.claims[b.Claim.ID] = b.Claim
	m.supplements[b.Claim.ID] = b.Supplements
	m.photos[b.Claim.ID] = b.Photos
	m.inspections[b.Claim.ID] = b.Inspections
	return nil
}

func (m *memStore) CreateRule(_ context.Context, r model.Rule) (model.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt, r.UpdatedAt = testNow, testNow
	m.rules[r.ID] = r
	return r, nil
}

func (m *memStore) GetRule(_ context.Context, id uuid.UUID) (model.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return model.Rule{}, storage.ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListRules(_ context.Context, orgID uuid.UUID, includeDisabled bool) ([]model.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Rule{}
	for _, r := range m.rules {
		if r.OrgID != orgID {
			continue
		}
		if !includeDisabled && !r.Active() {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) UpdateRule(_ context.Context, orgID, id uuid.UUID, patch model.RulePatch, validate func(model.Rule) error) (model.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.OrgID != orgID {
		return model.Rule{}, storage.ErrNotFound
	}
	next := r.Apply(patch)
	if err := validate(next); err != nil {
		return model.Rule{}, err
	}
	m.rules[id] = next
	return next, nil
}

func (m *memStore) DeleteRule(_ context.Context, orgID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.OrgID != orgID {
		return storage.ErrNotFound
	}
	now := testNow
	r.Enabled = false
	r.DeletedAt = &now
	m.rules[id] = r
	return nil
}

func (m *memStore) SaveEvaluation(_ context.Context, ev model.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.evaluations = append(m.evaluations, ev)
	for _, r := range ev.Recommendations {
		m.recs[r.ID] = r
	}
	return nil
}

func (m *memStore) GetRecommendation(_ context.Context, id uuid.UUID) (model.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return model.Recommendation{}, storage.ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListFiredActions(_ context.Context, evaluationID uuid.UUID) ([]model.FiredAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.evaluations {
		if ev.ID == evaluationID {
			return ev.Fired, nil
		}
	}
	return []model.FiredAction{}, nil
}

func (m *memStore) ListSimilarCases(_ context.Context, recID uuid.UUID) ([]model.SimilarCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.evaluations {
		for _, r := range ev.Recommendations {
			if r.ID != recID {
				continue
			}
			out := []model.SimilarCase{}
			for _, sc := range ev.SimilarCases {
				for _, id := range r.SimilarCaseIDs {
					if id == sc.ClaimID {
						out = append(out, sc)
					}
				}
			}
			return out, nil
		}
	}
	return []model.SimilarCase{}, nil
}

func (m *memStore) GetOutcome(_ context.Context, id uuid.UUID) (model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.outcomes {
		if o.ID == id {
			return o, nil
		}
	}
	return model.Outcome{}, storage.ErrNotFound
}

func (m *memStore) LatestCompensation(_ context.Context, id uuid.UUID) (model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  model.Outcome
		found bool
	)
	for _, o := range m.outcomes {
		if o.Compensates != nil && *o.Compensates == id && (!found || !o.ObservedAt.Before(best.ObservedAt)) {
			best, found = o, true
		}
	}
	if !found {
		return model.Outcome{}, storage.ErrNotFound
	}
	return best, nil
}

func (m *memStore) InsertOutcome(_ context.Context, o model.Outcome) (model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.outcomes {
		if existing.OrgID == o.OrgID && existing.DedupHash == o.DedupHash {
			return existing, storage.ErrDuplicateOutcome
		}
	}
	o.CreatedAt = testNow
	m.outcomes = append(m.outcomes, o)
	return o, nil
}

func (m *memStore) ListOutcomes(_ context.Context, orgID uuid.UUID, from, to time.Time) ([]model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Outcome{}
	for _, o := range m.outcomes {
		if o.OrgID == orgID && !o.ObservedAt.Before(from) && o.ObservedAt.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) ListOutcomesForClaims(_ context.Context, orgID uuid.UUID, claimIDs []uuid.UUID) ([]model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range claimIDs {
		want[id] = true
	}
	out := []model.Outcome{}
	for _, o := range m.outcomes {
		if o.OrgID == orgID && want[o.ClaimID] {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) ListOutcomesByCarrier(_ context.Context, orgID uuid.UUID, carrier string, since time.Time) ([]model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.carrierErr != nil {
		return nil, m.carrierErr
	}
	out := []model.Outcome{}
	for _, o := range m.outcomes {
		if o.OrgID == orgID && m.claims[o.ClaimID].Carrier == carrier && !o.ObservedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) CountRecommendations(_ context.Context, orgID uuid.UUID, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.OrgID == orgID && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ClaimEmbeddingHash(_ context.Context, claimID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[claimID], nil
}

func (m *memStore) UpsertClaimEmbedding(_ context.Context, _, claimID uuid.UUID, emb pgvector.Vector, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[claimID] == hash {
		return false, nil
	}
	m.hashes[claimID] = hash
	m.embedded[claimID] = emb
	return true, nil
}

func (m *memStore) NotifyOutcome(_ context.Context, orgID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, orgID)
	return nil
}

// fixedEmbedder returns the same small vector for every text.
type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.NewVector([]float32{1, 0, 0, 0}), nil
}

func (e fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (fixedEmbedder) Dimensions() int { return 4 }

type stubFinder struct {
	results []search.Result
	err     error
}

func (f stubFinder) FindSimilar(context.Context, uuid.UUID, []float32, uuid.UUID, int) ([]search.Result, error) {
	return f.results, f.err
}

func (f stubFinder) Healthy(context.Context) error { return nil }

func newTestService(store *memStore, finder search.CaseFinder, cfg Config) *Service {
	var emb fixedEmbedder
	d := Deps{Store: store, Logger: discardLogger()}
	if finder != nil {
		d.Embedder = emb
		d.Finder = finder
	}
	s := New(d, cfg)
	s.now = func() time.Time { return testNow }
	// Analytics windows end a minute later so work stamped testNow is inside them.
	s.analytics.SetClock(func() time.Time { return testNow.Add(time.Minute) })
	return s
}

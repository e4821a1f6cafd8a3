// Package outcomes records observed results against recommendations and
// rules. The log is append-only: corrections are new entries that
// compensate earlier ones.
package outcomes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/storage"
)

// Hash domains. Bumping a version changes every hash in that domain.
const (
	outcomeDomain      = "shinsa/outcome/v1"
	compensationDomain = "shinsa/outcome-compensation/v1"
)

// DefaultDedupBucket is the window within which repeated reports of the same
// outcome collapse into one.
const DefaultDedupBucket = time.Hour

const lockStripes = 256

var (
	// ErrDuplicateOutcome is absorbed by Record and Compensate; it is exported
	// for stores and for callers that talk to a Store directly.
	ErrDuplicateOutcome = storage.ErrDuplicateOutcome
	// ErrInvalidInput reports a malformed outcome report.
	ErrInvalidInput = errors.New("outcomes: invalid input")
)

// Store is the persistence the recorder needs.
type Store interface {
	// GetRecommendation and GetRule are not org-scoped: the recorder checks
	// ownership itself so a cross-org reference surfaces as a tenant
	// isolation error rather than a miss.
	GetRecommendation(ctx context.Context, id uuid.UUID) (model.Recommendation, error)
	GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error)
	GetOutcome(ctx context.Context, id uuid.UUID) (model.Outcome, error)
	// LatestCompensation returns the most recent outcome that directly
	// compensates id, or an error wrapping storage.ErrNotFound.
	LatestCompensation(ctx context.Context, id uuid.UUID) (model.Outcome, error)
	// InsertOutcome stores o unless an outcome with the same org and dedup
	// hash exists, in which case it returns the stored one and
	// ErrDuplicateOutcome.
	InsertOutcome(ctx context.Context, o model.Outcome) (model.Outcome, error)
}

// Input is one outcome report.
type Input struct {
	RecommendationID *uuid.UUID
	RuleID           *uuid.UUID
	AgentID          string
	ClaimID          uuid.UUID
	Result           model.ObservedResult
	ObservedAt       time.Time
}

// InputFromRequest converts the HTTP/MCP request shape.
func InputFromRequest(req model.RecordOutcomeRequest) Input {
	in := Input{
		RecommendationID: req.RecommendationID,
		RuleID:           req.RuleID,
		AgentID:          req.AgentID,
		ClaimID:          req.ClaimID,
		Result:           req.Result,
	}
	if req.ObservedAt != nil {
		in.ObservedAt = *req.ObservedAt
	}
	return in
}

// Recorder writes outcomes. Writes for the same (org, claim) are serialized
// in-process; the store's unique dedup index makes them idempotent across
// processes.
type Recorder struct {
	store  Store
	logger *slog.Logger
	bucket time.Duration
	now    func() time.Time
	newID  func() uuid.UUID
	locks  [lockStripes]sync.Mutex
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDedupBucket sets the dedup window. Non-positive values are ignored.
func WithDedupBucket(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.bucket = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithIDGenerator overrides outcome ID generation.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(r *Recorder) { r.newID = fn }
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger,
		bucket: DefaultDedupBucket,
		now:    time.Now,
		newID:  uuid.New,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Record appends an outcome. created is false when the same report was
// already stored; the stored outcome is returned and no error is raised.
func (r *Recorder) Record(ctx context.Context, orgID uuid.UUID, in Input) (model.Outcome, bool, error) {
	if err := validate(in); err != nil {
		return model.Outcome{}, false, err
	}

	attributed, err := r.attribution(ctx, orgID, in)
	if err != nil {
		return model.Outcome{}, false, err
	}

	observedAt := in.ObservedAt
	if observedAt.IsZero() {
		observedAt = r.now()
	}
	observedAt = observedAt.UTC()

	o := model.Outcome{
		ID:                r.newID(),
		OrgID:             orgID,
		RecommendationID:  in.RecommendationID,
		RuleID:            in.RuleID,
		AttributedRuleIDs: attributed,
		AgentID:           in.AgentID,
		ClaimID:           in.ClaimID,
		ObservedResult:    in.Result,
		ObservedAt:        observedAt,
		DedupHash:         DedupHash(orgID, target(in), in.ClaimID, observedAt.Truncate(r.bucket)),
	}

	mu := r.lockFor(o.OrgID, o.ClaimID)
	mu.Lock()
	defer mu.Unlock()
	return r.insert(ctx, o)
}

// Compensate appends an outcome that corrects an earlier one. The original
// attribution is carried over unchanged; only the result differs.
//
// The dedup hash covers the correction being superseded, so a later change
// back to an earlier result is a new entry. Asking for the result the latest
// correction already holds returns that correction with created=false.
func (r *Recorder) Compensate(ctx context.Context, orgID, outcomeID uuid.UUID, result model.ObservedResult) (model.Outcome, bool, error) {
	if !result.Valid() {
		return model.Outcome{}, false, fmt.Errorf("%w: result must be success, failure or neutral", ErrInvalidInput)
	}
	orig, err := r.store.GetOutcome(ctx, outcomeID)
	if err != nil {
		return model.Outcome{}, false, fmt.Errorf("outcomes: compensate: %w", err)
	}
	if orig.OrgID != orgID {
		return model.Outcome{}, false, fmt.Errorf("outcomes: outcome %s belongs to another org: %w", outcomeID, model.ErrTenantIsolation)
	}

	mu := r.lockFor(orig.OrgID, orig.ClaimID)
	mu.Lock()
	defer mu.Unlock()

	head := "-"
	latest, err := r.store.LatestCompensation(ctx, orig.ID)
	switch {
	case err == nil:
		if latest.ObservedResult == result {
			r.logger.Debug("outcomes: correction already current",
				"org_id", orgID, "outcome_id", orig.ID, "compensation_id", latest.ID)
			return latest, false, nil
		}
		head = latest.ID.String()
	case !errors.Is(err, storage.ErrNotFound):
		return model.Outcome{}, false, fmt.Errorf("outcomes: latest compensation: %w", err)
	}

	origID := orig.ID
	o := model.Outcome{
		ID:                r.newID(),
		OrgID:             orgID,
		RecommendationID:  orig.RecommendationID,
		RuleID:            orig.RuleID,
		AttributedRuleIDs: slices.Clone(orig.AttributedRuleIDs),
		AgentID:           orig.AgentID,
		ClaimID:           orig.ClaimID,
		ObservedResult:    result,
		ObservedAt:        r.now().UTC(),
		Compensates:       &origID,
		DedupHash:         hashWithDomain(compensationDomain, strings.Join([]string{orgID.String(), origID.String(), head, string(result)}, "|")),
	}
	return r.insert(ctx, o)
}

// insert writes o. Callers hold the (org, claim) lock.
func (r *Recorder) insert(ctx context.Context, o model.Outcome) (model.Outcome, bool, error) {
	stored, err := r.store.InsertOutcome(ctx, o)
	if errors.Is(err, ErrDuplicateOutcome) {
		r.logger.Debug("outcomes: duplicate absorbed",
			"org_id", o.OrgID, "claim_id", o.ClaimID, "outcome_id", stored.ID)
		return stored, false, nil
	}
	if err != nil {
		return model.Outcome{}, false, fmt.Errorf("outcomes: insert: %w", err)
	}
	return stored, true, nil
}

// attribution resolves which rules an outcome is credited to, checking that
// every referenced entity belongs to orgID.
func (r *Recorder) attribution(ctx context.Context, orgID uuid.UUID, in Input) ([]uuid.UUID, error) {
	if in.RecommendationID != nil {
		rec, err := r.store.GetRecommendation(ctx, *in.RecommendationID)
		if err != nil {
			return nil, fmt.Errorf("outcomes: get recommendation: %w", err)
		}
		if rec.OrgID != orgID {
			return nil, fmt.Errorf("outcomes: recommendation %s belongs to another org: %w", rec.ID, model.ErrTenantIsolation)
		}
		if rec.ClaimID != in.ClaimID {
			return nil, fmt.Errorf("%w: recommendation %s was made for claim %s, not %s", ErrInvalidInput, rec.ID, rec.ClaimID, in.ClaimID)
		}
		if in.RuleID != nil {
			if !slices.Contains(rec.SourceRuleIDs, *in.RuleID) {
				return nil, fmt.Errorf("%w: rule %s is not a source of recommendation %s", ErrInvalidInput, *in.RuleID, rec.ID)
			}
			return []uuid.UUID{*in.RuleID}, nil
		}
		return slices.Clone(rec.SourceRuleIDs), nil
	}

	rule, err := r.store.GetRule(ctx, *in.RuleID)
	if err != nil {
		return nil, fmt.Errorf("outcomes: get rule: %w", err)
	}
	if rule.OrgID != orgID {
		return nil, fmt.Errorf("outcomes: rule %s belongs to another org: %w", rule.ID, model.ErrTenantIsolation)
	}
	return []uuid.UUID{rule.ID}, nil
}

func validate(in Input) error {
	if in.ClaimID == uuid.Nil {
		return fmt.Errorf("%w: claim_id is required", ErrInvalidInput)
	}
	if in.RecommendationID == nil && in.RuleID == nil {
		return fmt.Errorf("%w: recommendation_id or rule_id is required", ErrInvalidInput)
	}
	if !in.Result.Valid() {
		return fmt.Errorf("%w: result must be success, failure or neutral", ErrInvalidInput)
	}
	if in.AgentID != "" {
		if err := model.ValidateAgentID(in.AgentID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

func target(in Input) string {
	if in.RecommendationID != nil {
		return "rec:" + in.RecommendationID.String()
	}
	return "rule:" + in.RuleID.String()
}

// DedupHash identifies an outcome report for deduplication. Two reports with
// the same org, target, claim and bucket start hash identically whoever
// reported them; the first report's agent stays on the stored outcome.
func DedupHash(orgID uuid.UUID, target string, claimID uuid.UUID, bucket time.Time) string {
	canonical := strings.Join([]string{
		orgID.String(),
		target,
		claimID.String(),
		strconv.FormatInt(bucket.UTC().Unix(), 10),
	}, "|")
	return hashWithDomain(outcomeDomain, canonical)
}

// hashWithDomain computes SHA-256 over domain || NUL || data so hashes from
// different domains can never collide.
func hashWithDomain(domain, data string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Recorder) lockFor(orgID, claimID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(orgID[:])
	h.Write(claimID[:])
	return &r.locks[h.Sum32()%lockStripes]
}

// Package engine provides the claim decision logic shared by the HTTP API
// and the MCP server: evaluating a claim into recommendations, recording
// outcomes, analytics, explanations and rule administration.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/outcomes"
	"github.com/ashita-ai/shinsa/internal/rules"
	"github.com/ashita-ai/shinsa/internal/search"
	"github.com/ashita-ai/shinsa/internal/service/embedding"
	"github.com/ashita-ai/shinsa/internal/telemetry"
)

// ErrInvalidInput reports a malformed request that is not a rule
// validation failure.
var ErrInvalidInput = errors.New("engine: invalid input")

// Store is the persistence the service reads and writes. *storage.DB
// satisfies it.
type Store interface {
	outcomes.Store
	effectiveness.Store

	// GetClaim is not org-scoped; the service checks ownership.
	GetClaim(ctx context.Context, id uuid.UUID) (model.Claim, error)
	ListSupplements(ctx context.Context, orgID, claimID uuid.UUID) ([]model.Supplement, error)
	ListPhotos(ctx context.Context, orgID, claimID uuid.UUID) ([]model.Photo, error)
	ListInspections(ctx context.Context, orgID, claimID uuid.UUID) ([]model.Inspection, error)
	UpsertClaimBundle(ctx context.Context, b model.ClaimBundle) error

	CreateRule(ctx context.Context, r model.Rule) (model.Rule, error)
	UpdateRule(ctx context.Context, orgID, id uuid.UUID, patch model.RulePatch, validate func(model.Rule) error) (model.Rule, error)
	DeleteRule(ctx context.Context, orgID, id uuid.UUID) error

	SaveEvaluation(ctx context.Context, ev model.Evaluation) error
	ListFiredActions(ctx context.Context, evaluationID uuid.UUID) ([]model.FiredAction, error)
	ListSimilarCases(ctx context.Context, recommendationID uuid.UUID) ([]model.SimilarCase, error)

	ListOutcomesForClaims(ctx context.Context, orgID uuid.UUID, claimIDs []uuid.UUID) ([]model.Outcome, error)
	ListOutcomesByCarrier(ctx context.Context, orgID uuid.UUID, carrier string, since time.Time) ([]model.Outcome, error)

	ClaimEmbeddingHash(ctx context.Context, claimID uuid.UUID) (string, error)
	UpsertClaimEmbedding(ctx context.Context, orgID, claimID uuid.UUID, emb pgvector.Vector, contentHash string) (bool, error)

	NotifyOutcome(ctx context.Context, orgID uuid.UUID) error
}

// Config tunes evaluation.
type Config struct {
	// FetchTimeout bounds loading a claim's related entities and each
	// contextual lookup (similar cases, carrier history).
	FetchTimeout time.Duration
	// SimilarCases is how many neighbours feed confidence.
	SimilarCases int
	// MinSimilarity drops neighbours scoring below it.
	MinSimilarity float64
	// CarrierHistory is how far back carrier outcomes are read.
	CarrierHistory time.Duration
}

// Defaults applied to zero Config fields.
const (
	DefaultFetchTimeout   = 2 * time.Second
	DefaultSimilarCases   = 10
	DefaultCarrierHistory = 180 * 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.SimilarCases <= 0 {
		c.SimilarCases = DefaultSimilarCases
	}
	if c.CarrierHistory <= 0 {
		c.CarrierHistory = DefaultCarrierHistory
	}
	return c
}

// Deps are the collaborators a Service is built from. Embedder and Finder
// may be nil, in which case evaluations run without similar cases.
type Deps struct {
	Store     Store
	Rules     *rules.Engine
	Recorder  *outcomes.Recorder
	Analytics *effectiveness.Service
	Embedder  embedding.Provider
	Finder    search.CaseFinder
	Logger    *slog.Logger
}

// Service encapsulates claim decision logic shared by HTTP and MCP handlers.
type Service struct {
	store     Store
	rules     *rules.Engine
	recorder  *outcomes.Recorder
	analytics *effectiveness.Service
	embedder  embedding.Provider
	finder    search.CaseFinder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
	newID     func() uuid.UUID

	evalDuration   metric.Float64Histogram
	firedActions   metric.Int64Counter
	partialData    metric.Int64Counter
	outcomesRecord metric.Int64Counter
}

// New creates a Service.
func New(d Deps, cfg Config) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eng := d.Rules
	if eng == nil {
		eng = rules.NewEngine(logger)
	}
	recorder := d.Recorder
	if recorder == nil {
		recorder = outcomes.NewRecorder(d.Store, logger)
	}
	analytics := d.Analytics
	if analytics == nil {
		analytics = effectiveness.NewService(d.Store, logger, 0)
	}

	meter := telemetry.Meter("shinsa/engine")
	evalDur, _ := meter.Float64Histogram("shinsa.evaluation.duration",
		metric.WithDescription("Time to evaluate a claim end to end (ms)"),
		metric.WithUnit("ms"),
	)
	fired, _ := meter.Int64Counter("shinsa.rules.fired",
		metric.WithDescription("Rule actions fired by evaluations"),
	)
	partial, _ := meter.Int64Counter("shinsa.evaluation.partial",
		metric.WithDescription("Evaluations that ran on partial claim data"),
	)
	recorded, _ := meter.Int64Counter("shinsa.outcomes.recorded",
		metric.WithDescription("Outcome reports received, labeled by whether they were duplicates"),
	)

	return &Service{
		store:          d.Store,
		rules:          eng,
		recorder:       recorder,
		analytics:      analytics,
		embedder:       d.Embedder,
		finder:         d.Finder,
		logger:         logger,
		cfg:            cfg.withDefaults(),
		now:            time.Now,
		newID:          uuid.New,
		evalDuration:   evalDur,
		firedActions:   fired,
		partialData:    partial,
		outcomesRecord: recorded,
	}
}

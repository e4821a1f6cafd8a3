package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/auth"
	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/outcomes"
	"github.com/ashita-ai/shinsa/internal/search"
	"github.com/ashita-ai/shinsa/internal/service/engine"
	"github.com/ashita-ai/shinsa/internal/storage"
	"github.com/ashita-ai/shinsa/internal/trigger"
)

// Engine is the claim decision logic behind the API. *engine.Service
// satisfies it.
type Engine interface {
	EvaluateClaim(ctx context.Context, orgID, claimID uuid.UUID) (model.Evaluation, error)
	IngestClaim(ctx context.Context, orgID uuid.UUID, b model.ClaimBundle) error
	RecordOutcome(ctx context.Context, orgID uuid.UUID, req model.RecordOutcomeRequest) (model.RecordOutcomeResponse, error)
	CompensateOutcome(ctx context.Context, orgID, outcomeID uuid.UUID, result model.ObservedResult) (model.RecordOutcomeResponse, error)
	Analytics(ctx context.Context, orgID uuid.UUID, w effectiveness.Window) (model.Analytics, error)
	Explain(ctx context.Context, orgID, recommendationID uuid.UUID) (model.Explanation, error)

	ValidateRule(r model.Rule) error
	CreateRule(ctx context.Context, orgID uuid.UUID, req model.CreateRuleRequest) (model.Rule, error)
	GetRule(ctx context.Context, orgID, id uuid.UUID) (model.Rule, error)
	ListRules(ctx context.Context, orgID uuid.UUID, includeDisabled bool) ([]model.Rule, error)
	UpdateRule(ctx context.Context, orgID, id uuid.UUID, patch model.RulePatch) (model.Rule, error)
	DisableRule(ctx context.Context, orgID, id uuid.UUID) error
}

var _ Engine = (*engine.Service)(nil)

// Store is the persistence the handlers use directly: agents for
// authentication, idempotency keys for safe retries and the mutation
// audit log. *storage.DB satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	GetAgentsByAgentIDGlobal(ctx context.Context, agentID string) ([]model.Agent, error)
	GetAgentByAgentID(ctx context.Context, orgID uuid.UUID, agentID string) (model.Agent, error)
	CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	CountAgents(ctx context.Context, orgID uuid.UUID) (int, error)
	EnsureDefaultOrg(ctx context.Context) error

	BeginIdempotency(ctx context.Context, k storage.IdempotencyKey, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, k storage.IdempotencyKey, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, k storage.IdempotencyKey) error

	InsertMutationAudit(ctx context.Context, e storage.MutationAuditEntry) error
	ListMutationAudit(ctx context.Context, orgID uuid.UUID, resourceType, resourceID string, limit int) ([]storage.MutationAuditEntry, error)
}

var _ Store = (*storage.DB)(nil)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Store
	jwtMgr              *auth.JWTManager
	engine              Engine
	index               search.CaseFinder
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Index is optional: it is the Qdrant index when one is configured, and
// its health is reported by GET /health.
type HandlersDeps struct {
	DB                  Store
	JWTMgr              *auth.JWTManager
	Engine              Engine
	Index               search.CaseFinder
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		engine:              d.Engine,
		index:               d.Index,
		logger:              logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "OpenAPI spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleAuthToken handles POST /auth/token.
// Every agent registered under the agent_id is tried, since the caller's
// org is not known until a key verifies.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agents, err := h.db.GetAgentsByAgentIDGlobal(r.Context(), req.AgentID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.writeInternalError(w, r, "failed to look up agent", err)
		return
	}

	var matched *model.Agent
	verified := false
	for i := range agents {
		a := &agents[i]
		if a.APIKeyHash == nil {
			continue
		}
		verified = true
		ok, verr := auth.VerifyAPIKey(req.APIKey, *a.APIKeyHash)
		if verr != nil || !ok {
			continue
		}
		matched = a
		break
	}
	if !verified {
		// Keep response time independent of whether the agent exists.
		auth.DummyVerify()
	}
	if matched == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(*matched)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "agent_id", matched.AgentID, "org_id", matched.OrgID)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	// Evaluations fall back to rule-only confidence without the index, so
	// an unreachable Qdrant degrades rather than fails the instance.
	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// SeedAdmin creates the initial admin agent in the default org if that
// org has no agents yet.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		h.logger.Info("no admin API key configured, skipping admin seed")
		return nil
	}

	// Default org UUID for the seed admin.
	defaultOrgID := uuid.Nil

	// Ensure the default org exists so the agents FK is satisfied on fresh DBs.
	if err := h.db.EnsureDefaultOrg(ctx); err != nil {
		return fmt.Errorf("seed admin: ensure default org: %w", err)
	}

	count, err := h.db.CountAgents(ctx, defaultOrgID)
	if err != nil {
		return fmt.Errorf("seed admin: count agents: %w", err)
	}
	if count > 0 {
		h.logger.Info("agents table not empty, skipping admin seed")
		return nil
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	_, err = h.db.CreateAgent(ctx, model.Agent{
		AgentID:    "admin",
		OrgID:      defaultOrgID,
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	})
	if errors.Is(err, storage.ErrConflict) {
		// Another replica seeded it first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed admin: create agent: %w", err)
	}

	h.logger.Info("seeded initial admin agent")
	return nil
}

// --- Shared helpers ---

// writeInternalError logs err with request context and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeServiceError maps an engine error to its HTTP response.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var verr *trigger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidRule, verr.Error(),
			map[string]string{"path": verr.Path, "reason": verr.Reason})
	case errors.Is(err, model.ErrTenantIsolation):
		writeError(w, r, http.StatusForbidden, model.ErrCodeTenantIsolation, "resource belongs to another organization")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, msg+": not found")
	case errors.Is(err, outcomes.ErrInvalidInput), errors.Is(err, engine.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeInternalError, msg+": timed out")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// pathUUID parses a UUID path parameter.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	v := r.PathValue(name)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, v)
	}
	return id, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2026-01-01T00:00:00Z)", key)
	}
	return t, nil
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

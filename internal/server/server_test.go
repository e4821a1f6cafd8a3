package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shinsa/api"
	"github.com/ashita-ai/shinsa/internal/auth"
	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/outcomes"
	"github.com/ashita-ai/shinsa/internal/ratelimit"
	"github.com/ashita-ai/shinsa/internal/server"
	"github.com/ashita-ai/shinsa/internal/service/engine"
	"github.com/ashita-ai/shinsa/internal/storage"
	"github.com/ashita-ai/shinsa/internal/trigger"
)

func duplicateKeyError() error {
	return fmt.Errorf("storage: agent dup: %w", storage.ErrConflict)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, withIndex(stubIndex{}))
		resp := h.do(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got model.HealthResponse
		decodeData(t, resp, &got)
		assert.Equal(t, "healthy", got.Status)
		assert.Equal(t, "connected", got.Postgres)
		assert.Equal(t, "connected", got.Qdrant)
		assert.Equal(t, "test", got.Version)
	})

	t.Run("postgres down", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.store.pingErr = errors.New("connection refused")
		resp := h.do(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		var got model.HealthResponse
		decodeData(t, resp, &got)
		assert.Equal(t, "unhealthy", got.Status)
		assert.Empty(t, got.Qdrant)
	})

	t.Run("qdrant down degrades", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, withIndex(stubIndex{err: errors.New("unavailable")}))
		resp := h.do(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got model.HealthResponse
		decodeData(t, resp, &got)
		assert.Equal(t, "degraded", got.Status)
		assert.Equal(t, "disconnected", got.Qdrant)
	})
}

func TestOpenAPISpec(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h = newHarness(t, func(c *server.ServerConfig) { c.OpenAPISpec = api.OpenAPISpec })
	resp = h.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/v1/rules/evaluate")
}

func TestSecurityAndRequestIDHeaders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/health", "", nil, "X-Request-ID", "req-abc")
	assert.Equal(t, "req-abc", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	resp = h.do(t, http.MethodGet, "/health", "", nil)
	_, err := uuid.Parse(resp.Header.Get("X-Request-ID"))
	assert.NoError(t, err, "generated request IDs are UUIDs")
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			resp := h.do(t, http.MethodGet, "/v1/rules", "", nil, headers...)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, resp).Code)
		})
	}
}

func TestAuthToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.api.Handlers().SeedAdmin(context.Background(), "bootstrap-admin-key"))

	resp := h.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{AgentID: "admin", APIKey: "bootstrap-admin-key"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok model.AuthTokenResponse
	decodeData(t, resp, &tok)
	require.NotEmpty(t, tok.Token)

	claims, err := h.jwt.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.AgentID)
	assert.Equal(t, uuid.Nil, claims.OrgID, "seed admin lives in the default org")
	assert.Equal(t, model.RoleAdmin, claims.Role)

	for _, req := range []model.AuthTokenRequest{
		{AgentID: "admin", APIKey: "wrong"},
		{AgentID: "nobody", APIKey: "bootstrap-admin-key"},
	} {
		resp := h.do(t, http.MethodPost, "/auth/token", "", req)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "agent %s", req.AgentID)
	}
}

func TestSeedAdmin_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.api.Handlers().SeedAdmin(ctx, ""))
	assert.Empty(t, h.store.agents, "no key configured means no seed")

	require.NoError(t, h.api.Handlers().SeedAdmin(ctx, "bootstrap-admin-key"))
	require.NoError(t, h.api.Handlers().SeedAdmin(ctx, "bootstrap-admin-key"))
	assert.Len(t, h.store.agents, 1)
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	claimID := uuid.New()
	recID := uuid.New()
	h.engine.evaluate = func(orgID, id uuid.UUID) (model.Evaluation, error) {
		assert.Equal(t, h.orgID, orgID)
		return model.Evaluation{
			OrgID:   orgID,
			ClaimID: id,
			Recommendations: []model.Recommendation{{
				ID: recID, ClaimID: id, Kind: model.KindNextBestAction, ConfidenceScore: 0.8,
			}},
		}, nil
	}

	resp := h.do(t, http.MethodPost, "/v1/rules/evaluate", h.agentToken, model.EvaluateRequest{ClaimID: claimID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ev model.Evaluation
	decodeData(t, resp, &ev)
	assert.Equal(t, claimID, ev.ClaimID)
	require.Len(t, ev.Recommendations, 1)
	assert.Equal(t, recID, ev.Recommendations[0].ID)
	assert.InDelta(t, 0.8, ev.Recommendations[0].ConfidenceScore, 1e-9)
}

func TestEvaluate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		token    func(h *harness) string
		body     any
		err      error
		wantCode int
		wantErr  string
	}{
		{"reader forbidden", func(h *harness) string { return h.readerToken }, model.EvaluateRequest{ClaimID: uuid.New()}, nil, http.StatusForbidden, model.ErrCodeForbidden},
		{"missing claim id", func(h *harness) string { return h.agentToken }, model.EvaluateRequest{}, nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", func(h *harness) string { return h.agentToken }, `{"claim":"x"}`, nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"empty body", func(h *harness) string { return h.agentToken }, nil, nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"claim not found", func(h *harness) string { return h.agentToken }, model.EvaluateRequest{ClaimID: uuid.New()},
			fmt.Errorf("engine: load claim: %w", storage.ErrNotFound), http.StatusNotFound, model.ErrCodeNotFound},
		{"other org's claim", func(h *harness) string { return h.agentToken }, model.EvaluateRequest{ClaimID: uuid.New()},
			fmt.Errorf("engine: claim: %w", model.ErrTenantIsolation), http.StatusForbidden, model.ErrCodeTenantIsolation},
		{"store failure", func(h *harness) string { return h.agentToken }, model.EvaluateRequest{ClaimID: uuid.New()},
			errors.New("connection reset"), http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			if tt.err != nil {
				h.engine.evaluate = func(uuid.UUID, uuid.UUID) (model.Evaluation, error) {
					return model.Evaluation{}, tt.err
				}
			}
			resp := h.do(t, http.MethodPost, "/v1/rules/evaluate", tt.token(h), tt.body)
			require.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantErr, decodeError(t, resp).Code)
		})
	}
}

func TestEvaluate_IdempotentReplay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	body := model.EvaluateRequest{ClaimID: uuid.New()}

	first := h.do(t, http.MethodPost, "/v1/rules/evaluate", h.agentToken, body, "Idempotency-Key", "eval-1")
	require.Equal(t, http.StatusOK, first.StatusCode)
	var ev1 model.Evaluation
	decodeData(t, first, &ev1)

	second := h.do(t, http.MethodPost, "/v1/rules/evaluate", h.agentToken, body, "Idempotency-Key", "eval-1")
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	var ev2 model.Evaluation
	decodeData(t, second, &ev2)
	assert.Equal(t, ev1.ClaimID, ev2.ClaimID)
	assert.Equal(t, 1, h.engine.count("evaluate"), "replay must not re-run the evaluation")

	mismatch := h.do(t, http.MethodPost, "/v1/rules/evaluate", h.agentToken,
		model.EvaluateRequest{ClaimID: uuid.New()}, "Idempotency-Key", "eval-1")
	require.Equal(t, http.StatusConflict, mismatch.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, decodeError(t, mismatch).Code)
}

func TestEvaluate_FailureReleasesIdempotencyKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	fail := true
	h.engine.evaluate = func(orgID, id uuid.UUID) (model.Evaluation, error) {
		if fail {
			return model.Evaluation{}, errors.New("boom")
		}
		return model.Evaluation{OrgID: orgID, ClaimID: id}, nil
	}
	body := model.EvaluateRequest{ClaimID: uuid.New()}

	resp := h.do(t, http.MethodPost, "/v1/rules/evaluate", h.agentToken, body, "Idempotency-Key", "retry-me")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Zero(t, h.store.idemCount())

	fail = false
	resp = h.do(t, http.MethodPost, "/v1/rules/evaluate", h.agentToken, body, "Idempotency-Key", "retry-me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, h.engine.count("evaluate"))
}

func TestRecordOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	claimID := uuid.New()
	var got model.RecordOutcomeRequest
	seen := map[string]bool{}
	h.engine.record = func(orgID uuid.UUID, req model.RecordOutcomeRequest) (model.RecordOutcomeResponse, error) {
		got = req
		key := req.ClaimID.String() + string(req.Result) + req.AgentID
		dup := seen[key]
		seen[key] = true
		return model.RecordOutcomeResponse{
			Outcome:   model.Outcome{ID: uuid.New(), OrgID: orgID, ClaimID: req.ClaimID, ObservedResult: req.Result, AgentID: req.AgentID},
			Duplicate: dup,
		}, nil
	}
	body := model.RecordOutcomeRequest{ClaimID: claimID, Result: model.ResultSuccess}

	resp := h.do(t, http.MethodPost, "/v1/outcomes", h.agentToken, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec model.RecordOutcomeResponse
	decodeData(t, resp, &rec)
	assert.False(t, rec.Duplicate)
	assert.Equal(t, "adjuster-7", got.AgentID, "unattributed outcomes are credited to the caller")

	resp = h.do(t, http.MethodPost, "/v1/outcomes", h.agentToken, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &rec)
	assert.True(t, rec.Duplicate)

	body.AgentID = "adjuster-9"
	resp = h.do(t, http.MethodPost, "/v1/outcomes", h.agentToken, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "adjuster-9", got.AgentID)
}

func TestRecordOutcome_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"invalid result", fmt.Errorf("%w: unknown result %q", outcomes.ErrInvalidInput, "meh"), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"foreign recommendation", fmt.Errorf("outcomes: %w", model.ErrTenantIsolation), http.StatusForbidden, model.ErrCodeTenantIsolation},
		{"unknown recommendation", fmt.Errorf("outcomes: %w", storage.ErrNotFound), http.StatusNotFound, model.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.engine.record = func(uuid.UUID, model.RecordOutcomeRequest) (model.RecordOutcomeResponse, error) {
				return model.RecordOutcomeResponse{}, tt.err
			}
			resp := h.do(t, http.MethodPost, "/v1/outcomes", h.agentToken,
				model.RecordOutcomeRequest{ClaimID: uuid.New(), Result: "meh"})
			require.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantErr, decodeError(t, resp).Code)
		})
	}
}

func TestCompensateOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	target := uuid.New()
	h.engine.compensate = func(orgID, outcomeID uuid.UUID, result model.ObservedResult) (model.RecordOutcomeResponse, error) {
		return model.RecordOutcomeResponse{Outcome: model.Outcome{
			ID: uuid.New(), OrgID: orgID, Compensates: &outcomeID, ObservedResult: result,
		}}, nil
	}

	resp := h.do(t, http.MethodPost, "/v1/outcomes/"+target.String()+"/compensate", h.agentToken,
		model.CompensateOutcomeRequest{Result: model.ResultFailure})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec model.RecordOutcomeResponse
	decodeData(t, resp, &rec)
	require.NotNil(t, rec.Outcome.Compensates)
	assert.Equal(t, target, *rec.Outcome.Compensates)
	assert.Equal(t, model.ResultFailure, rec.Outcome.ObservedResult)

	resp = h.do(t, http.MethodPost, "/v1/outcomes/not-a-uuid/compensate", h.agentToken,
		model.CompensateOutcomeRequest{Result: model.ResultFailure})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalytics_Window(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		query string
		want  effectiveness.Window
	}{
		{"default", "", effectiveness.Window{}},
		{"both bounds", "?from=2026-09-01T00:00:00Z&to=2026-09-08T00:00:00Z", effectiveness.Window{From: from, To: to}},
		{"only to", "?to=2026-09-08T00:00:00Z", effectiveness.Window{From: from, To: to}},
		{"only from", "?from=2026-09-01T00:00:00Z", effectiveness.Window{From: from, To: to}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			var got effectiveness.Window
			h.engine.analytics = func(_ uuid.UUID, w effectiveness.Window) (model.Analytics, error) {
				got = w
				return model.Analytics{Metrics: model.AnalyticsSummary{Recommendations: 3}}, nil
			}
			resp := h.do(t, http.MethodGet, "/v1/analytics"+tt.query, h.readerToken, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var rep model.Analytics
			decodeData(t, resp, &rep)
			assert.Equal(t, 3, rep.Metrics.Recommendations)
			assert.True(t, tt.want.From.Equal(got.From), "from: want %s got %s", tt.want.From, got.From)
			assert.True(t, tt.want.To.Equal(got.To), "to: want %s got %s", tt.want.To, got.To)
		})
	}
}

func TestAnalytics_BadWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	for _, q := range []string{
		"?from=yesterday",
		"?from=2026-09-08T00:00:00Z&to=2026-09-01T00:00:00Z",
		"?from=2024-01-01T00:00:00Z&to=2026-01-01T00:00:00Z",
		"?org_id=acme",
	} {
		resp := h.do(t, http.MethodGet, "/v1/analytics"+q, h.readerToken, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	resp := h.do(t, http.MethodGet, "/v1/analytics?org_id="+uuid.NewString(), h.readerToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, h.engine.count("analytics"))

	resp = h.do(t, http.MethodGet, "/v1/analytics?org_id="+h.orgID.String(), h.readerToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExplain(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	known := uuid.New()
	h.engine.explain = func(_ uuid.UUID, id uuid.UUID) (model.Explanation, error) {
		if id != known {
			return model.Explanation{}, fmt.Errorf("engine: explain: %w", storage.ErrNotFound)
		}
		return model.Explanation{
			RecommendationID: id,
			Reasoning:        "Rule 'Missing roof photos' matched",
			RulesUsed:        []model.RuleUsed{{RuleID: uuid.New(), RuleName: "Missing roof photos", MatchedPaths: []string{"photos.length"}}},
		}, nil
	}

	resp := h.do(t, http.MethodGet, "/v1/explain/"+known.String(), h.readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exp model.Explanation
	decodeData(t, resp, &exp)
	assert.Equal(t, known, exp.RecommendationID)
	require.Len(t, exp.RulesUsed, 1)
	assert.Equal(t, []string{"photos.length"}, exp.RulesUsed[0].MatchedPaths)

	resp = h.do(t, http.MethodGet, "/v1/explain/"+uuid.NewString(), h.readerToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/v1/explain/42", h.readerToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRules_AdminOnlyWrites(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ruleID := uuid.New().String()

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/rules"},
		{http.MethodPatch, "/v1/rules/" + ruleID},
		{http.MethodDelete, "/v1/rules/" + ruleID},
		{http.MethodPost, "/v1/agents"},
	} {
		resp := h.do(t, tc.method, tc.path, h.agentToken, "{}")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
	assert.Zero(t, h.engine.count("createRule")+h.engine.count("updateRule")+h.engine.count("disable"))
}

func TestRules_CreateAndValidate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	badPriority := &trigger.ValidationError{Path: "priority", Reason: "must be between 1 and 10"}
	check := func(r model.Rule) error {
		if r.Priority < model.MinPriority || r.Priority > model.MaxPriority {
			return badPriority
		}
		return nil
	}
	h.engine.validate = check
	h.engine.createRule = func(orgID uuid.UUID, req model.CreateRuleRequest) (model.Rule, error) {
		r := req.ToRule(orgID)
		if err := check(r); err != nil {
			return model.Rule{}, err
		}
		r.ID = uuid.New()
		return r, nil
	}

	good := model.CreateRuleRequest{
		Name:     "Missing roof photos",
		Category: "documentation",
		Priority: 8,
		Trigger:  model.All(model.Predicate("photos.length", model.OpEquals, 0)),
		Action:   model.ActionSpec{Type: model.ActionRecommend, Priority: 8, Message: "Request roof photos"},
	}

	resp := h.do(t, http.MethodPost, "/v1/rules", h.adminToken, good)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Rule
	decodeData(t, resp, &created)
	assert.Equal(t, h.orgID, created.OrgID)
	assert.True(t, created.Enabled)

	bad := good
	bad.Priority = 11
	resp = h.do(t, http.MethodPost, "/v1/rules", h.adminToken, bad)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeInvalidRule, detail.Code)
	assert.Equal(t, map[string]any{"path": "priority", "reason": "must be between 1 and 10"}, detail.Details)

	resp = h.do(t, http.MethodPost, "/v1/rules/validate", h.agentToken, bad)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v model.ValidateRuleResponse
	decodeData(t, resp, &v)
	assert.False(t, v.Valid)
	assert.Equal(t, "priority", v.Path)

	resp = h.do(t, http.MethodPost, "/v1/rules/validate", h.agentToken, good)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &v)
	assert.True(t, v.Valid)
}

func TestRules_ReadUpdateDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := uuid.New()
	foreign := uuid.New()
	var includeDisabled bool
	h.engine.listRules = func(_ uuid.UUID, inc bool) ([]model.Rule, error) {
		includeDisabled = inc
		return []model.Rule{{ID: id, Name: "a"}}, nil
	}
	h.engine.disable = func(_ uuid.UUID, rid uuid.UUID) error {
		if rid == foreign {
			return fmt.Errorf("engine: rule: %w", model.ErrTenantIsolation)
		}
		return nil
	}

	resp := h.do(t, http.MethodGet, "/v1/rules?include_disabled=true", h.readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []model.Rule
	decodeData(t, resp, &list)
	assert.Len(t, list, 1)
	assert.True(t, includeDisabled)

	resp = h.do(t, http.MethodGet, "/v1/rules/"+id.String(), h.readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	name := "Renamed"
	resp = h.do(t, http.MethodPatch, "/v1/rules/"+id.String(), h.adminToken, model.RulePatch{Name: &name})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.Rule
	decodeData(t, resp, &updated)
	assert.Equal(t, "Renamed", updated.Name)

	resp = h.do(t, http.MethodDelete, "/v1/rules/"+id.String(), h.adminToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/v1/rules/"+foreign.String(), h.adminToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIngestClaim(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	claimID := uuid.New()
	var got model.ClaimBundle
	h.engine.ingest = func(orgID uuid.UUID, b model.ClaimBundle) error {
		got = b
		if b.Claim.ID == uuid.Nil {
			return fmt.Errorf("%w: claim id is required", engine.ErrInvalidInput)
		}
		return nil
	}

	body := model.IngestClaimRequest{
		Claim:  model.Claim{Status: "new", Carrier: "Acme Mutual"},
		Photos: []model.Photo{{Category: "roof"}},
	}
	resp := h.do(t, http.MethodPut, "/v1/claims/"+claimID.String(), h.agentToken, body)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, claimID, got.Claim.ID)
	require.Len(t, got.Photos, 1)
	assert.Equal(t, claimID, got.Photos[0].ClaimID)
	assert.NotEqual(t, uuid.Nil, got.Photos[0].ID)

	body.Claim.ID = uuid.New()
	resp = h.do(t, http.MethodPut, "/v1/claims/"+claimID.String(), h.agentToken, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body.Claim.ID = claimID
	body.Claim.OrgID = uuid.New()
	resp = h.do(t, http.MethodPut, "/v1/claims/"+claimID.String(), h.agentToken, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateAgent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	req := model.CreateAgentRequest{AgentID: "adjuster-12", Name: "Dana", Role: model.RoleAgent, APIKey: "a-long-enough-api-key"}

	resp := h.do(t, http.MethodPost, "/v1/agents", h.adminToken, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var agent model.Agent
	decodeData(t, resp, &agent)
	assert.Equal(t, h.orgID, agent.OrgID)
	assert.Equal(t, model.RoleAgent, agent.Role)

	stored, err := h.store.GetAgentByAgentID(context.Background(), h.orgID, "adjuster-12")
	require.NoError(t, err)
	require.NotNil(t, stored.APIKeyHash)
	ok, err := auth.VerifyAPIKey("a-long-enough-api-key", *stored.APIKeyHash)
	require.NoError(t, err)
	assert.True(t, ok)

	resp = h.do(t, http.MethodPost, "/v1/agents", h.adminToken, req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	for _, bad := range []model.CreateAgentRequest{
		{AgentID: "bad id", Name: "x", APIKey: "a-long-enough-api-key"},
		{AgentID: "ok", Name: "x", APIKey: "short"},
		{AgentID: "ok", Name: "x", APIKey: "a-long-enough-api-key", Role: "owner"},
	} {
		resp := h.do(t, http.MethodPost, "/v1/agents", h.adminToken, bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%+v", bad)
	}
}

func TestRateLimiting(t *testing.T) {
	t.Parallel()
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	h := newHarness(t, withLimiter(limiter))
	body := model.EvaluateRequest{ClaimID: uuid.New()}

	resp := h.do(t, http.MethodPost, "/v1/rules/evaluate", h.agentToken, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/v1/rules/evaluate", h.agentToken, body)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"), "a near-empty bucket hints the cap")
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, resp).Code)

	// Buckets are per route class.
	resp = h.do(t, http.MethodGet, "/v1/rules", h.agentToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Admins are exempt.
	for range 3 {
		resp = h.do(t, http.MethodPost, "/v1/rules/evaluate", h.adminToken, body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestMutationAudit_RuleLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/rules", h.adminToken, model.CreateRuleRequest{
		Name:     "Late notice",
		Category: "compliance",
		Priority: 5,
		Trigger:  model.All(model.Predicate("claim.days_since_loss", model.OpGT, 30)),
		Action:   model.ActionSpec{Type: model.ActionFlag, Priority: 5, Message: "Reported late"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Rule
	decodeData(t, resp, &created)
	id := created.ID.String()

	name := "Late notice (30d)"
	resp = h.do(t, http.MethodPatch, "/v1/rules/"+id, h.adminToken, model.RulePatch{Name: &name})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, "/v1/rules/"+id, h.adminToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	entries := h.store.auditEntries()
	require.Len(t, entries, 3)
	ops := make([]string, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Operation)
		assert.Equal(t, h.orgID, e.OrgID)
		assert.Equal(t, storage.AuditResourceRule, e.ResourceType)
		assert.Equal(t, id, e.ResourceID)
		assert.Equal(t, "admin-1", e.ActorAgentID)
		assert.Equal(t, string(model.RoleAdmin), e.ActorRole)
		assert.NotEmpty(t, e.RequestID)
	}
	assert.Equal(t, []string{"create_rule", "update_rule", "delete_rule"}, ops)
	assert.Contains(t, entries[1].Metadata, "patch")

	resp = h.do(t, http.MethodGet, "/v1/rules/"+id+"/history", h.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []storage.MutationAuditEntry
	decodeData(t, resp, &history)
	require.Len(t, history, 3)
	assert.Equal(t, "delete_rule", history[0].Operation)

	resp = h.do(t, http.MethodGet, "/v1/rules/"+id+"/history?limit=1", h.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &history)
	assert.Len(t, history, 1)
}

func TestMutationAudit_FailedChangeNotAudited(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.engine.disable = func(uuid.UUID, uuid.UUID) error {
		return fmt.Errorf("engine: rule: %w", storage.ErrNotFound)
	}

	resp := h.do(t, http.MethodDelete, "/v1/rules/"+uuid.NewString(), h.adminToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, h.store.auditEntries())
}

func TestMutationAudit_WriteFailureKeepsChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.auditErr = errors.New("audit table unavailable")

	resp := h.do(t, http.MethodDelete, "/v1/rules/"+uuid.NewString(), h.adminToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, h.engine.count("disable"))
}

func TestMutationAudit_AgentsAndCompensations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/agents", h.adminToken, model.CreateAgentRequest{
		AgentID: "adjuster-40", Name: "Sam", Role: model.RoleAgent, APIKey: "a-long-enough-api-key",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	target := uuid.New()
	h.engine.compensate = func(orgID, outcomeID uuid.UUID, result model.ObservedResult) (model.RecordOutcomeResponse, error) {
		return model.RecordOutcomeResponse{Outcome: model.Outcome{
			ID: uuid.New(), OrgID: orgID, Compensates: &outcomeID, ObservedResult: result,
		}}, nil
	}
	resp = h.do(t, http.MethodPost, "/v1/outcomes/"+target.String()+"/compensate", h.agentToken,
		model.CompensateOutcomeRequest{Result: model.ResultFailure})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	h.engine.compensate = func(uuid.UUID, uuid.UUID, model.ObservedResult) (model.RecordOutcomeResponse, error) {
		return model.RecordOutcomeResponse{Duplicate: true}, nil
	}
	resp = h.do(t, http.MethodPost, "/v1/outcomes/"+target.String()+"/compensate", h.agentToken,
		model.CompensateOutcomeRequest{Result: model.ResultFailure})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries := h.store.auditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "create_agent", entries[0].Operation)
	assert.Equal(t, "adjuster-40", entries[0].ResourceID)
	assert.Equal(t, "compensate_outcome", entries[1].Operation)
	assert.Equal(t, storage.AuditResourceOutcome, entries[1].ResourceType)
	assert.Equal(t, target.String(), entries[1].ResourceID)
	assert.Equal(t, "adjuster-7", entries[1].ActorAgentID)
}

func TestRuleHistory_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	foreign := uuid.New()
	h.engine.getRule = func(orgID, id uuid.UUID) (model.Rule, error) {
		if id == foreign {
			return model.Rule{}, fmt.Errorf("engine: rule: %w", model.ErrTenantIsolation)
		}
		return model.Rule{ID: id, OrgID: orgID}, nil
	}

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"non-admin", "/v1/rules/" + uuid.NewString() + "/history", h.agentToken, http.StatusForbidden},
		{"bad id", "/v1/rules/nope/history", h.adminToken, http.StatusBadRequest},
		{"bad limit", "/v1/rules/" + uuid.NewString() + "/history?limit=0", h.adminToken, http.StatusBadRequest},
		{"limit too large", "/v1/rules/" + uuid.NewString() + "/history?limit=201", h.adminToken, http.StatusBadRequest},
		{"other org", "/v1/rules/" + foreign.String() + "/history", h.adminToken, http.StatusForbidden},
		{"no history", "/v1/rules/" + uuid.NewString() + "/history", h.adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

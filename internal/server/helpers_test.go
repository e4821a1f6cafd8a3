package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shinsa/internal/auth"
	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/ratelimit"
	"github.com/ashita-ai/shinsa/internal/search"
	"github.com/ashita-ai/shinsa/internal/server"
	"github.com/ashita-ai/shinsa/internal/storage"
)

// fakeEngine records calls and returns canned results. A nil func field
// falls back to a zero result.
type fakeEngine struct {
	mu    sync.Mutex
	calls map[string]int

	evaluate   func(orgID, claimID uuid.UUID) (model.Evaluation, error)
	ingest     func(orgID uuid.UUID, b model.ClaimBundle) error
	record     func(orgID uuid.UUID, req model.RecordOutcomeRequest) (model.RecordOutcomeResponse, error)
	compensate func(orgID, outcomeID uuid.UUID, result model.ObservedResult) (model.RecordOutcomeResponse, error)
	analytics  func(orgID uuid.UUID, w effectiveness.Window) (model.Analytics, error)
	explain    func(orgID, id uuid.UUID) (model.Explanation, error)
	validate   func(r model.Rule) error
	createRule func(orgID uuid.UUID, req model.CreateRuleRequest) (model.Rule, error)
	getRule    func(orgID, id uuid.UUID) (model.Rule, error)
	listRules  func(orgID uuid.UUID, includeDisabled bool) ([]model.Rule, error)
	updateRule func(orgID, id uuid.UUID, patch model.RulePatch) (model.Rule, error)
	disable    func(orgID, id uuid.UUID) error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{calls: make(map[string]int)}
}

func (f *fakeEngine) called(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeEngine) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeEngine) EvaluateClaim(_ context.Context, orgID, claimID uuid.UUID) (model.Evaluation, error) {
	f.called("evaluate")
	if f.evaluate == nil {
		return model.Evaluation{OrgID: orgID, ClaimID: claimID}, nil
	}
	return f.evaluate(orgID, claimID)
}

func (f *fakeEngine) IngestClaim(_ context.Context, orgID uuid.UUID, b model.ClaimBundle) error {
	f.called("ingest")
	if f.ingest == nil {
		return nil
	}
	return f.ingest(orgID, b)
}

func (f *fakeEngine) RecordOutcome(_ context.Context, orgID uuid.UUID, req model.RecordOutcomeRequest) (model.RecordOutcomeResponse, error) {
	f.called("record")
	if f.record == nil {
		return model.RecordOutcomeResponse{}, nil
	}
	return f.record(orgID, req)
}

func (f *fakeEngine) CompensateOutcome(_ context.Context, orgID, outcomeID uuid.UUID, result model.ObservedResult) (model.RecordOutcomeResponse, error) {
	f.called("compensate")
	if f.compensate == nil {
		return model.RecordOutcomeResponse{}, nil
	}
	return f.compensate(orgID, outcomeID, result)
}

func (f *fakeEngine) Analytics(_ context.Context, orgID uuid.UUID, w effectiveness.Window) (model.Analytics, error) {
	f.called("analytics")
	if f.analytics == nil {
		return model.Analytics{}, nil
	}
	return f.analytics(orgID, w)
}

func (f *fakeEngine) Explain(_ context.Context, orgID, id uuid.UUID) (model.Explanation, error) {
	f.called("explain")
	if f.explain == nil {
		return model.Explanation{RecommendationID: id}, nil
	}
	return f.explain(orgID, id)
}

func (f *fakeEngine) ValidateRule(r model.Rule) error {
	f.called("validate")
	if f.validate == nil {
		return nil
	}
	return f.validate(r)
}

func (f *fakeEngine) CreateRule(_ context.Context, orgID uuid.UUID, req model.CreateRuleRequest) (model.Rule, error) {
	f.called("createRule")
	if f.createRule == nil {
		r := req.ToRule(orgID)
		r.ID = uuid.New()
		return r, nil
	}
	return f.createRule(orgID, req)
}

func (f *fakeEngine) GetRule(_ context.Context, orgID, id uuid.UUID) (model.Rule, error) {
	f.called("getRule")
	if f.getRule == nil {
		return model.Rule{ID: id, OrgID: orgID}, nil
	}
	return f.getRule(orgID, id)
}

func (f *fakeEngine) ListRules(_ context.Context, orgID uuid.UUID, includeDisabled bool) ([]model.Rule, error) {
	f.called("listRules")
	if f.listRules == nil {
		return nil, nil
	}
	return f.listRules(orgID, includeDisabled)
}

func (f *fakeEngine) UpdateRule(_ context.Context, orgID, id uuid.UUID, patch model.RulePatch) (model.Rule, error) {
	f.called("updateRule")
	if f.updateRule == nil {
		return model.Rule{ID: id, OrgID: orgID}.Apply(patch), nil
	}
	return f.updateRule(orgID, id, patch)
}

func (f *fakeEngine) DisableRule(_ context.Context, orgID, id uuid.UUID) error {
	f.called("disable")
	if f.disable == nil {
		return nil
	}
	return f.disable(orgID, id)
}

type idemRecord struct {
	hash      string
	completed bool
	status    int
	data      json.RawMessage
}

// fakeStore keeps agents, idempotency keys and audit entries in memory.
type fakeStore struct {
	mu       sync.Mutex
	pingErr  error
	auditErr error
	agents   []model.Agent
	idem     map[storage.IdempotencyKey]*idemRecord
	audit    []storage.MutationAuditEntry
	orgs     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{idem: make(map[storage.IdempotencyKey]*idemRecord)}
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) GetAgentsByAgentIDGlobal(_ context.Context, agentID string) ([]model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Agent
	for _, a := range s.agents {
		if a.AgentID == agentID {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *fakeStore) GetAgentByAgentID(_ context.Context, orgID uuid.UUID, agentID string) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.OrgID == orgID && a.AgentID == agentID {
			return a, nil
		}
	}
	return model.Agent{}, storage.ErrNotFound
}

func (s *fakeStore) CreateAgent(_ context.Context, a model.Agent) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agents {
		if existing.OrgID == a.OrgID && existing.AgentID == a.AgentID {
			return model.Agent{}, duplicateKeyError()
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.agents = append(s.agents, a)
	return a, nil
}

func (s *fakeStore) CountAgents(_ context.Context, orgID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		if a.OrgID == orgID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) EnsureDefaultOrg(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs++
	return nil
}

func (s *fakeStore) BeginIdempotency(_ context.Context, k storage.IdempotencyKey, hash string) (storage.IdempotencyLookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[k]
	if !ok {
		s.idem[k] = &idemRecord{hash: hash}
		return storage.IdempotencyLookup{}, nil
	}
	if rec.hash != hash {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyPayloadMismatch
	}
	if !rec.completed {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyInProgress
	}
	return storage.IdempotencyLookup{Completed: true, StatusCode: rec.status, ResponseData: rec.data}, nil
}

func (s *fakeStore) CompleteIdempotency(_ context.Context, k storage.IdempotencyKey, status int, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[k]
	if !ok || rec.completed {
		return errors.New("key not found or not in_progress")
	}
	rec.completed, rec.status, rec.data = true, status, b
	return nil
}

func (s *fakeStore) ClearInProgressIdempotency(_ context.Context, k storage.IdempotencyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idem[k]; ok && !rec.completed {
		delete(s.idem, k)
	}
	return nil
}

func (s *fakeStore) InsertMutationAudit(_ context.Context, e storage.MutationAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditErr != nil {
		return s.auditErr
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	s.audit = append(s.audit, e)
	return nil
}

func (s *fakeStore) ListMutationAudit(_ context.Context, orgID uuid.UUID, resourceType, resourceID string, limit int) ([]storage.MutationAuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []storage.MutationAuditEntry{}
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.audit[i]
		if e.OrgID == orgID && e.ResourceType == resourceType && e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) auditEntries() []storage.MutationAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.MutationAuditEntry(nil), s.audit...)
}

func (s *fakeStore) idemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idem)
}

// stubIndex is a search.CaseFinder with a fixed health result.
type stubIndex struct{ err error }

func (s stubIndex) FindSimilar(context.Context, uuid.UUID, []float32, uuid.UUID, int) ([]search.Result, error) {
	return nil, s.err
}

func (s stubIndex) Healthy(context.Context) error { return s.err }

// harness is a running server over fakes plus tokens for each role.
type harness struct {
	srv    *httptest.Server
	api    *server.Server
	engine *fakeEngine
	store  *fakeStore
	jwt    *auth.JWTManager
	orgID  uuid.UUID

	adminToken  string
	agentToken  string
	readerToken string
}

type harnessOption func(*server.ServerConfig)

func withLimiter(l ratelimit.Limiter) harnessOption {
	return func(c *server.ServerConfig) { c.Limiter = l }
}

func withIndex(idx search.CaseFinder) harnessOption {
	return func(c *server.ServerConfig) { c.Index = idx }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	h := &harness{
		engine: newFakeEngine(),
		store:  newFakeStore(),
		jwt:    jwtMgr,
		orgID:  uuid.New(),
	}
	cfg := server.ServerConfig{
		DB:                  h.store,
		JWTMgr:              jwtMgr,
		Engine:              h.engine,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.api = server.New(cfg)
	h.srv = httptest.NewServer(h.api.Handler())
	t.Cleanup(h.srv.Close)

	h.adminToken = h.token(t, "admin-1", model.RoleAdmin)
	h.agentToken = h.token(t, "adjuster-7", model.RoleAgent)
	h.readerToken = h.token(t, "viewer-2", model.RoleReader)
	return h
}

func (h *harness) token(t *testing.T, agentID string, role model.AgentRole) string {
	t.Helper()
	tok, _, err := h.jwt.IssueToken(model.Agent{ID: uuid.New(), AgentID: agentID, OrgID: h.orgID, Role: role})
	require.NoError(t, err)
	return tok
}

// do sends a request with an optional bearer token and JSON body.
func (h *harness) do(t *testing.T, method, path, token string, body any, headers ...string) *http.Response {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// decodeData unmarshals the envelope's data field into target.
func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, json.Unmarshal(env.Data, target))
}

// decodeError returns the envelope's error detail.
func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

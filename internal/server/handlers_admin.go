package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/shinsa/internal/auth"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/storage"
)

// HandleCreateAgent handles POST /v1/agents (admin-only). The agent is
// created in the caller's org.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := req.Normalize(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !ClaimsFromContext(r.Context()).Allows(req.Role) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
			"cannot create agent with a role higher than your own")
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	agent, err := h.db.CreateAgent(r.Context(), model.Agent{
		AgentID:    req.AgentID,
		OrgID:      orgID,
		Name:       req.Name,
		Role:       req.Role,
		APIKeyHash: &hash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent_id already exists in this organization")
			return
		}
		h.writeInternalError(w, r, "failed to create agent", err)
		return
	}

	h.logger.Info("agent created",
		"agent_id", agent.AgentID,
		"role", agent.Role,
		"org_id", orgID,
		"created_by", ClaimsFromContext(r.Context()).AgentID,
	)
	h.recordMutationAudit(r, buildAuditEntry(r, orgID, "create_agent", storage.AuditResourceAgent, agent.AgentID,
		nil, agent, nil))
	writeJSON(w, r, http.StatusCreated, agent)
}

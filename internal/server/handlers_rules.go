package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/storage"
	"github.com/ashita-ai/shinsa/internal/trigger"
)

// HandleCreateRule handles POST /v1/rules (admin-only).
func (h *Handlers) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	orgID := OrgIDFromContext(r.Context())

	var req model.CreateRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	idem, proceed := h.reserveIdempotency(w, r, orgID, claims.AgentID, "POST:/v1/rules", req)
	if !proceed {
		return
	}

	rule, err := h.engine.CreateRule(r.Context(), orgID, req)
	if err != nil {
		idem.release()
		h.writeServiceError(w, r, "create rule", err)
		return
	}

	h.recordMutationAudit(r, buildAuditEntry(r, orgID, "create_rule", storage.AuditResourceRule, rule.ID.String(),
		nil, rule, nil))
	idem.commit(http.StatusCreated, rule)
	writeJSON(w, r, http.StatusCreated, rule)
}

// HandleValidateRule handles POST /v1/rules/validate. It runs the checks a
// create would without saving anything, so rule editors can lint drafts.
func (h *Handlers) HandleValidateRule(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	var req model.CreateRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp := model.ValidateRuleResponse{Valid: true}
	if err := h.engine.ValidateRule(req.ToRule(orgID)); err != nil {
		var verr *trigger.ValidationError
		if !errors.As(err, &verr) {
			h.writeServiceError(w, r, "validate rule", err)
			return
		}
		resp = model.ValidateRuleResponse{Valid: false, Path: verr.Path, Reason: verr.Reason}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListRules handles GET /v1/rules. Disabled rules are listed with
// ?include_disabled=true.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	rules, err := h.engine.ListRules(r.Context(), orgID, queryBool(r, "include_disabled"))
	if err != nil {
		h.writeServiceError(w, r, "list rules", err)
		return
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	writeList(w, r, rules, len(rules))
}

// HandleGetRule handles GET /v1/rules/{rule_id}.
func (h *Handlers) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	rule, err := h.engine.GetRule(r.Context(), orgID, id)
	if err != nil {
		h.writeServiceError(w, r, "get rule", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleUpdateRule handles PATCH /v1/rules/{rule_id} (admin-only).
func (h *Handlers) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var patch model.RulePatch
	if err := decodeJSON(w, r, &patch, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rule, err := h.engine.UpdateRule(r.Context(), orgID, id, patch)
	if err != nil {
		h.writeServiceError(w, r, fmt.Sprintf("update rule %s", id), err)
		return
	}
	h.recordMutationAudit(r, buildAuditEntry(r, orgID, "update_rule", storage.AuditResourceRule, id.String(),
		nil, rule, map[string]any{"patch": patch}))
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleDeleteRule handles DELETE /v1/rules/{rule_id} (admin-only). Rules
// are disabled, never removed, so outcome history keeps resolving.
func (h *Handlers) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.engine.DisableRule(r.Context(), orgID, id); err != nil {
		h.writeServiceError(w, r, fmt.Sprintf("delete rule %s", id), err)
		return
	}
	h.recordMutationAudit(r, buildAuditEntry(r, orgID, "delete_rule", storage.AuditResourceRule, id.String(),
		nil, nil, nil))
	w.WriteHeader(http.StatusNoContent)
}

// HandleRuleHistory handles GET /v1/rules/{rule_id}/history (admin-only):
// the rule's audited changes, newest first. ?limit= caps the result.
func (h *Handlers) HandleRuleHistory(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	id, err := pathUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := maxAuditHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditHistory {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("limit must be between 1 and %d", maxAuditHistory))
			return
		}
		limit = n
	}

	// Deleted rules keep their history; GetRule only checks ownership.
	if _, err := h.engine.GetRule(r.Context(), orgID, id); err != nil {
		h.writeServiceError(w, r, fmt.Sprintf("rule history %s", id), err)
		return
	}
	entries, err := h.db.ListMutationAudit(r.Context(), orgID, storage.AuditResourceRule, id.String(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list rule history", err)
		return
	}
	writeList(w, r, entries, len(entries))
}

package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/model"
)

// HandleEvaluate handles POST /v1/rules/evaluate.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	orgID := OrgIDFromContext(r.Context())

	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClaimID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "claim_id is required")
		return
	}

	idem, proceed := h.reserveIdempotency(w, r, orgID, claims.AgentID, "POST:/v1/rules/evaluate", req)
	if !proceed {
		return
	}

	ev, err := h.engine.EvaluateClaim(r.Context(), orgID, req.ClaimID)
	if err != nil {
		idem.release()
		h.writeServiceError(w, r, "evaluate claim", err)
		return
	}

	idem.commit(http.StatusOK, ev)
	writeJSON(w, r, http.StatusOK, ev)
}

// HandleIngestClaim handles PUT /v1/claims/{claim_id}. The CRM pushes a
// claim and its related entities here; the body replaces what was stored.
func (h *Handlers) HandleIngestClaim(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	claimID, err := pathUUID(r, "claim_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.IngestClaimRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Claim.ID != uuid.Nil && req.Claim.ID != claimID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "claim.id does not match the path")
		return
	}
	if req.Claim.OrgID != uuid.Nil && req.Claim.OrgID != orgID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeTenantIsolation, "resource belongs to another organization")
		return
	}

	if err := h.engine.IngestClaim(r.Context(), orgID, req.Bundle(claimID)); err != nil {
		h.writeServiceError(w, r, "ingest claim", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExplain handles GET /v1/explain/{recommendation_id}.
func (h *Handlers) HandleExplain(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	id, err := pathUUID(r, "recommendation_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	exp, err := h.engine.Explain(r.Context(), orgID, id)
	if err != nil {
		h.writeServiceError(w, r, "explain recommendation", err)
		return
	}
	writeJSON(w, r, http.StatusOK, exp)
}

// HandleAnalytics handles GET /v1/analytics. from and to are optional
// RFC3339 bounds of the half-open window; a missing bound is filled in so
// the window spans the default week.
func (h *Handlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	orgID := OrgIDFromContext(r.Context())

	// org_id is optional; when given it must name the caller's own org.
	if v := r.URL.Query().Get("org_id"); v != "" {
		requested, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid org_id: "+v)
			return
		}
		if requested != orgID {
			writeError(w, r, http.StatusForbidden, model.ErrCodeTenantIsolation, "resource belongs to another organization")
			return
		}
	}

	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var win effectiveness.Window
	switch {
	case from.IsZero() && to.IsZero():
		// Zero window: the engine picks the week ending now.
	case from.IsZero():
		win = effectiveness.WindowEnding(to, effectiveness.DefaultWindow)
	case to.IsZero():
		win = effectiveness.Window{From: from, To: from.Add(effectiveness.DefaultWindow)}
	default:
		win = effectiveness.Window{From: from, To: to}
	}
	if !win.From.IsZero() && !win.To.After(win.From) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "to must be after from")
		return
	}
	if win.Length() > maxAnalyticsWindow {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "analytics window may span at most 366 days")
		return
	}

	rep, err := h.engine.Analytics(r.Context(), orgID, win)
	if err != nil {
		h.writeServiceError(w, r, "compute analytics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

// maxAnalyticsWindow bounds how much of the outcome log one request reads.
const maxAnalyticsWindow = 366 * 24 * time.Hour

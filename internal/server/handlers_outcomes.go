package server

import (
	"fmt"
	"net/http"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/storage"
)

// HandleRecordOutcome handles POST /v1/outcomes. A repeated report returns
// 200 with the stored outcome and duplicate set; a new one returns 201.
func (h *Handlers) HandleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	orgID := OrgIDFromContext(r.Context())

	var req model.RecordOutcomeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	// Integrations report on behalf of adjusters; a bare report is
	// attributed to the caller.
	if req.AgentID == "" {
		req.AgentID = claims.AgentID
	}

	idem, proceed := h.reserveIdempotency(w, r, orgID, claims.AgentID, "POST:/v1/outcomes", req)
	if !proceed {
		return
	}

	resp, err := h.engine.RecordOutcome(r.Context(), orgID, req)
	if err != nil {
		idem.release()
		h.writeServiceError(w, r, "record outcome", err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	idem.commit(status, resp)
	writeJSON(w, r, status, resp)
}

// HandleCompensateOutcome handles POST /v1/outcomes/{outcome_id}/compensate.
func (h *Handlers) HandleCompensateOutcome(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	orgID := OrgIDFromContext(r.Context())

	outcomeID, err := pathUUID(r, "outcome_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.CompensateOutcomeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	endpoint := fmt.Sprintf("POST:/v1/outcomes/%s/compensate", outcomeID)
	idem, proceed := h.reserveIdempotency(w, r, orgID, claims.AgentID, endpoint, req)
	if !proceed {
		return
	}

	resp, err := h.engine.CompensateOutcome(r.Context(), orgID, outcomeID, req.Result)
	if err != nil {
		idem.release()
		h.writeServiceError(w, r, "compensate outcome", err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	} else {
		h.recordMutationAudit(r, buildAuditEntry(r, orgID, "compensate_outcome", storage.AuditResourceOutcome, outcomeID.String(),
			nil, resp.Outcome, nil))
	}
	idem.commit(status, resp)
	writeJSON(w, r, status, resp)
}

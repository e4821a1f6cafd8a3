package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/storage"
)

const (
	idempotencyHeader     = "Idempotency-Key"
	replayedHeader        = "Idempotent-Replayed"
	maxIdempotencyKeyLen  = 255
	idempotencyFinalizeIn = 10 * time.Second
)

// idempotentWrite is one request's hold on an Idempotency-Key. Requests
// without the header get a nil *idempotentWrite, on which every method is
// a no-op, so handlers call commit and release unconditionally.
type idempotentWrite struct {
	h     *Handlers
	r     *http.Request
	key   storage.IdempotencyKey
	orgID uuid.UUID
}

// reserveIdempotency claims the request's Idempotency-Key for
// (org, agent, endpoint). It returns proceed=false after writing the
// response itself: a replay of the stored result, a 409 for a reused or
// busy key, or an error.
func (h *Handlers) reserveIdempotency(
	w http.ResponseWriter, r *http.Request,
	orgID uuid.UUID, agentID, endpoint string,
	payload any,
) (iw *idempotentWrite, proceed bool) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at most %d characters", idempotencyHeader, maxIdempotencyKeyLen))
		return nil, false
	}
	hash, err := payloadHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	k := storage.IdempotencyKey{OrgID: orgID, AgentID: agentID, Endpoint: endpoint, Key: key}
	lookup, err := h.db.BeginIdempotency(r.Context(), k, hash)
	switch {
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
	case err != nil:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
	case lookup.Completed:
		h.replay(w, r, lookup)
	default:
		return &idempotentWrite{h: h, r: r, key: k, orgID: orgID}, true
	}
	return nil, false
}

func (h *Handlers) replay(w http.ResponseWriter, r *http.Request, lookup storage.IdempotencyLookup) {
	var body any
	if len(lookup.ResponseData) > 0 {
		if err := json.Unmarshal(lookup.ResponseData, &body); err != nil {
			h.writeInternalError(w, r, "failed to decode stored idempotent response", err)
			return
		}
	}
	status := lookup.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set(replayedHeader, "true")
	writeJSON(w, r, status, body)
}

// commit stores the response so retries replay it. The mutation has
// already happened, so a failure here is logged and the response still
// goes out.
func (iw *idempotentWrite) commit(status int, body any) {
	if iw == nil {
		return
	}
	err := retryDetached(iw.r.Context(), idempotencyFinalizeIn, func(ctx context.Context) error {
		return iw.h.db.CompleteIdempotency(ctx, iw.key, status, body)
	})
	if err != nil {
		iw.h.logger.Error("idempotency record not finalized after committed mutation",
			"error", err,
			"org_id", iw.orgID,
			"endpoint", iw.key.Endpoint,
			"request_id", RequestIDFromContext(iw.r.Context()),
		)
	}
}

// release frees the key after a failed mutation so the client can retry
// with it.
func (iw *idempotentWrite) release() {
	if iw == nil {
		return
	}
	if err := iw.h.db.ClearInProgressIdempotency(context.WithoutCancel(iw.r.Context()), iw.key); err != nil {
		iw.h.logger.Error("idempotency reservation not released",
			"error", err,
			"org_id", iw.orgID,
			"endpoint", iw.key.Endpoint,
			"agent_id", iw.key.AgentID,
		)
	}
}

// payloadHash fingerprints the decoded request so a reused key with a
// different body is detected.
func payloadHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

const detachedAttempts = 3

// retryDetached runs fn up to detachedAttempts times on a context that
// outlives the request's cancellation but not timeout. Attempts back off
// linearly from 50ms.
func retryDetached(parent context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == detachedAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("gave up after %d attempts (%w): %w", attempt, ctx.Err(), err)
		}
	}
}

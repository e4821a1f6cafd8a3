package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/storage"
)

// maxAuditHistory caps GET .../history responses.
const maxAuditHistory = 200

// buildAuditEntry describes a change made by the authenticated caller of
// r. Calls made without claims are attributed to "unknown".
func buildAuditEntry(
	r *http.Request,
	orgID uuid.UUID,
	operation, resourceType, resourceID string,
	beforeData, afterData any,
	metadata map[string]any,
) storage.MutationAuditEntry {
	actorID, actorRole := "unknown", "unknown"
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		actorID = claims.AgentID
		actorRole = string(claims.Role)
	}
	return storage.MutationAuditEntry{
		RequestID:    RequestIDFromContext(r.Context()),
		OrgID:        orgID,
		ActorAgentID: actorID,
		ActorRole:    actorRole,
		HTTPMethod:   r.Method,
		Endpoint:     r.URL.Path,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeData:   beforeData,
		AfterData:    afterData,
		Metadata:     metadata,
	}
}

const auditWriteTimeout = 5 * time.Second

// recordMutationAudit appends e once the change it describes has
// committed. The change stands even if every attempt fails; the failure is
// logged with enough to reconstruct the entry.
func (h *Handlers) recordMutationAudit(r *http.Request, e storage.MutationAuditEntry) {
	err := retryDetached(r.Context(), auditWriteTimeout, func(ctx context.Context) error {
		return h.db.InsertMutationAudit(ctx, e)
	})
	if err != nil {
		h.logger.Error("mutation audit write failed",
			"error", err,
			"operation", e.Operation,
			"resource_type", e.ResourceType,
			"resource_id", e.ResourceID,
			"request_id", e.RequestID,
		)
	}
}

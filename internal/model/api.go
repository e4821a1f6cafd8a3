package model

import "time"

// APIResponse wraps every single-object HTTP response.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse wraps list responses. Total counts Data, not the full
// result set.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the body of every non-2xx response.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta echoes the request ID and the server's clock.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail is a machine-readable code plus a human message. Details
// carries structured context such as the failing trigger path.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes returned in ErrorDetail.Code.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeInvalidRule     = "INVALID_RULE"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeTenantIsolation = "TENANT_ISOLATION"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// ValidateRuleResponse reports whether a draft rule would be accepted and,
// if not, where its trigger first fails.
type ValidateRuleResponse struct {
	Valid  bool   `json:"valid"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HealthResponse is the body of GET /health. Qdrant is omitted when the
// server runs on pgvector alone.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

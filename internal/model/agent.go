package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole is an agent's RBAC role. Admins manage rules and agents,
// agents evaluate claims and record outcomes, readers see analytics and
// explanations. Each role includes the ones below it.
type AgentRole string

const (
	RoleAdmin  AgentRole = "admin"
	RoleAgent  AgentRole = "agent"
	RoleReader AgentRole = "reader"
)

func (r AgentRole) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	}
	return 0
}

// Valid reports whether r is a known role.
func (r AgentRole) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r carries every privilege of min. Unknown roles
// carry none.
func (r AgentRole) AtLeast(min AgentRole) bool {
	return r.Valid() && r.rank() >= min.rank()
}

// Agent is an authenticated caller: a claims adjuster, an integration or an
// admin. AgentID is the same identifier outcomes are attributed to, so the
// leaderboard and the auth table share one namespace.
type Agent struct {
	ID         uuid.UUID `json:"id"`
	AgentID    string    `json:"agent_id"`
	OrgID      uuid.UUID `json:"org_id"`
	Name       string    `json:"name"`
	Role       AgentRole `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MaxAgentIDLen bounds agent IDs, which also appear on outcomes.
const MaxAgentIDLen = 255

// ValidateAgentID accepts 1-255 ASCII letters, digits and the characters
// . - _ @, so IDs survive URLs, log lines and CSV exports unescaped.
func ValidateAgentID(id string) error {
	switch {
	case id == "":
		return errors.New("agent_id is required")
	case len(id) > MaxAgentIDLen:
		return fmt.Errorf("agent_id must be at most %d characters", MaxAgentIDLen)
	}
	for i := range len(id) {
		if !agentIDChar(id[i]) {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, id[i])
		}
	}
	return nil
}

func agentIDChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '.', c == '-', c == '_', c == '@':
		return true
	}
	return false
}

// MinAPIKeyLen is the shortest API key an agent may be registered with.
const MinAPIKeyLen = 16

// Normalize defaults an empty role to RoleAgent and validates the request.
func (r *CreateAgentRequest) Normalize() error {
	if err := ValidateAgentID(r.AgentID); err != nil {
		return err
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	if len(r.APIKey) < MinAPIKeyLen {
		return fmt.Errorf("api_key must be at least %d characters", MinAPIKeyLen)
	}
	if r.Role == "" {
		r.Role = RoleAgent
	}
	if !r.Role.Valid() {
		return fmt.Errorf("invalid role %q: must be one of admin, agent, reader", r.Role)
	}
	return nil
}

// AuthTokenRequest exchanges an agent's API key for a JWT.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse carries the signed token and when it stops working.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateAgentRequest registers an agent in the caller's org. Role
// defaults to RoleAgent.
type CreateAgentRequest struct {
	AgentID string    `json:"agent_id"`
	Name    string    `json:"name"`
	Role    AgentRole `json:"role"`
	APIKey  string    `json:"api_key"`
}

// Organization is a tenant. Rules, claims, outcomes and agents all belong
// to exactly one.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

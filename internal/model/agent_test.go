package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shinsa/internal/model"
)

func TestAgentRole_AtLeast(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role, min model.AgentRole
		want      bool
	}{
		{model.RoleAdmin, model.RoleAdmin, true},
		{model.RoleAdmin, model.RoleReader, true},
		{model.RoleAgent, model.RoleReader, true},
		{model.RoleAgent, model.RoleAdmin, false},
		{model.RoleReader, model.RoleAgent, false},
		{"bogus", model.RoleReader, false},
		{"", model.RoleReader, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+">="+string(tt.min), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.role.AtLeast(tt.min))
		})
	}
}

func TestValidateAgentID(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"adjuster", "field-adjuster", "crm.sync", "Adjuster_01", "jane@acme", "a", strings.Repeat("a", 255)} {
		require.NoError(t, model.ValidateAgentID(id), id)
	}

	tests := []struct {
		id   string
		want string
	}{
		{"", "agent_id is required"},
		{strings.Repeat("a", 256), "at most 255"},
		{"has space", "position 3"},
		{"path/agent", "invalid character"},
		{"agené", "invalid character"},
		{"agent:1", "invalid character"},
	}
	for _, tt := range tests {
		err := model.ValidateAgentID(tt.id)
		require.Error(t, err, tt.id)
		assert.Contains(t, err.Error(), tt.want)
	}
}

func TestCreateAgentRequest_Normalize(t *testing.T) {
	t.Parallel()
	req := model.CreateAgentRequest{AgentID: "adjuster-9", Name: "Ren", APIKey: strings.Repeat("k", model.MinAPIKeyLen)}
	require.NoError(t, req.Normalize())
	assert.Equal(t, model.RoleAgent, req.Role)

	tests := []struct {
		name string
		req  model.CreateAgentRequest
		want string
	}{
		{"bad id", model.CreateAgentRequest{AgentID: "a b", Name: "x", APIKey: strings.Repeat("k", 16)}, "invalid character"},
		{"no name", model.CreateAgentRequest{AgentID: "ok", APIKey: strings.Repeat("k", 16)}, "name is required"},
		{"short key", model.CreateAgentRequest{AgentID: "ok", Name: "x", APIKey: "short"}, "at least 16"},
		{"unknown role", model.CreateAgentRequest{AgentID: "ok", Name: "x", APIKey: strings.Repeat("k", 16), Role: "owner"}, "invalid role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Normalize()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// Package mcp implements the Model Context Protocol server for Shinsa.
//
// The MCP server exposes claim evaluation, explanations, outcome recording
// and analytics as MCP tools, resources and prompts, so adjuster copilots
// can drive the same decision engine as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/service/engine"
)

// Engine is the part of the decision engine the MCP tools call.
type Engine interface {
	EvaluateClaim(ctx context.Context, orgID, claimID uuid.UUID) (model.Evaluation, error)
	RecordOutcome(ctx context.Context, orgID uuid.UUID, req model.RecordOutcomeRequest) (model.RecordOutcomeResponse, error)
	Analytics(ctx context.Context, orgID uuid.UUID, w effectiveness.Window) (model.Analytics, error)
	Explain(ctx context.Context, orgID, recommendationID uuid.UUID) (model.Explanation, error)
	ListRules(ctx context.Context, orgID uuid.UUID, includeDisabled bool) ([]model.Rule, error)
}

var _ Engine = (*engine.Service)(nil)

// evaluationWindow is how long an evaluation counts as "recent" when
// deciding whether to nudge an agent recording an outcome.
const evaluationWindow = 24 * time.Hour

// Server wraps the MCP server with Shinsa's decision engine.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	engine      Engine
	evaluations *evaluationTracker
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(eng Engine, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:      eng,
		evaluations: newEvaluationTracker(evaluationWindow),
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shinsa",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Shinsa recommends next actions for insurance claims.
Call shinsa_evaluate_claim before acting on a claim, explain any recommendation
with shinsa_explain, and report what happened with shinsa_record_outcome so
rule effectiveness stays accurate.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

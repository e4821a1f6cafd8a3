package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shinsa/internal/ctxutil"
	"github.com/ashita-ai/shinsa/internal/effectiveness"
)

const (
	uriActiveRules      = "shinsa://rules/active"
	uriCurrentAnalytics = "shinsa://analytics/current"
)

var errUnauthenticated = errors.New("mcp: authentication required")

func (s *Server) registerResources() {
	// shinsa://rules/active: the rules evaluations currently run.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriActiveRules,
			"Active Rules",
			mcplib.WithResourceDescription("Enabled rules for your organization in evaluation order"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveRules,
	)

	// shinsa://analytics/current: this week's effectiveness report.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriCurrentAnalytics,
			"Current Analytics",
			mcplib.WithResourceDescription("Rule effectiveness and agent performance for the last seven days"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCurrentAnalytics,
	)
}

func (s *Server) handleActiveRules(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errUnauthenticated
	}
	rules, err := s.engine.ListRules(ctx, claims.OrgID, false)
	if err != nil {
		return nil, fmt.Errorf("mcp: active rules: %w", err)
	}
	compact := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		compact = append(compact, compactRule(r))
	}
	return jsonResource(uriActiveRules, compact)
}

func (s *Server) handleCurrentAnalytics(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errUnauthenticated
	}
	rep, err := s.engine.Analytics(ctx, claims.OrgID, effectiveness.Window{})
	if err != nil {
		return nil, fmt.Errorf("mcp: current analytics: %w", err)
	}
	return jsonResource(uriCurrentAnalytics, rep)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

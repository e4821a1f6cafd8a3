package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shinsa/internal/ctxutil"
	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/outcomes"
	"github.com/ashita-ai/shinsa/internal/service/engine"
	"github.com/ashita-ai/shinsa/internal/storage"
)

// maxAnalyticsDays bounds the shinsa_analytics lookback.
const maxAnalyticsDays = 366

func (s *Server) registerTools() {
	// shinsa_evaluate_claim: run the rule set against a claim.
	s.mcpServer.AddTool(
		mcplib.NewTool("shinsa_evaluate_claim",
			mcplib.WithDescription(`Evaluate a claim and get recommended next actions.

WHEN TO USE: BEFORE acting on a claim. Call this first whenever you pick up
a claim, after new supplements, photos or inspections arrive, or before
you negotiate with a carrier.

WHAT YOU GET BACK:
- next_best_actions: what to do next, highest priority first
- negotiation_tactics: carrier tactics with a risk_level from that carrier's history
- flags: issues that need attention before closing the claim
- similar_cases: past claims that looked like this one, with their outcomes
- summary: a one-line digest of the result

Each recommendation has an id. Pass it to shinsa_explain to see why it was
made, and to shinsa_record_outcome once you know how it went.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("claim_id",
				mcplib.Description("UUID of the claim to evaluate"),
				mcplib.Required(),
			),
		),
		s.handleEvaluateClaim,
	)

	// shinsa_explain: reasoning behind one recommendation.
	s.mcpServer.AddTool(
		mcplib.NewTool("shinsa_explain",
			mcplib.WithDescription(`Explain why a recommendation was made.

WHEN TO USE: Before following a recommendation you are unsure about, or when
an adjuster asks why Shinsa suggested something.

WHAT YOU GET BACK: the rules that fired with the claim fields they matched,
the similar cases that informed the confidence score, the risk level for
negotiation tactics, and a plain-language reasoning string.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("recommendation_id",
				mcplib.Description("UUID of a recommendation returned by shinsa_evaluate_claim"),
				mcplib.Required(),
			),
		),
		s.handleExplain,
	)

	// shinsa_record_outcome: feed a real-world result back.
	s.mcpServer.AddTool(
		mcplib.NewTool("shinsa_record_outcome",
			mcplib.WithDescription(`Record how a recommendation or claim action turned out.

IMPORTANT: Call shinsa_evaluate_claim for the claim first. Outcomes are
attributed to the rules behind the recommendation, so an outcome without a
recommendation_id or rule_id only counts toward your own performance.

WHEN TO USE: As soon as you know the result: the carrier approved the
supplement (success), denied it (failure), or the action had no effect
(neutral). Recording the same outcome twice is safe; the duplicate is
detected and reported back.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("claim_id",
				mcplib.Description("UUID of the claim the outcome belongs to"),
				mcplib.Required(),
			),
			mcplib.WithString("result",
				mcplib.Description("What happened"),
				mcplib.Required(),
				mcplib.Enum(string(model.ResultSuccess), string(model.ResultFailure), string(model.ResultNeutral)),
			),
			mcplib.WithString("recommendation_id",
				mcplib.Description("UUID of the recommendation you acted on, if any"),
			),
			mcplib.WithString("rule_id",
				mcplib.Description("UUID of the rule to credit when there is no recommendation_id"),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Adjuster who took the action. Defaults to your authenticated identity."),
			),
		),
		s.handleRecordOutcome,
	)

	// shinsa_analytics: effectiveness report.
	s.mcpServer.AddTool(
		mcplib.NewTool("shinsa_analytics",
			mcplib.WithDescription(`Get rule effectiveness and agent performance for a recent period.

WHEN TO USE: When deciding how much to trust a rule, or when asked how the
team or a rule is performing.

WHAT YOU GET BACK: org totals, an agent leaderboard ranked by success rate,
and per-rule effectiveness scores with their trend against the previous
period of the same length.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("days",
				mcplib.Description("Length of the reporting period in days, ending now"),
				mcplib.Min(1),
				mcplib.Max(maxAnalyticsDays),
				mcplib.DefaultNumber(7),
			),
		),
		s.handleAnalytics,
	)
}

func (s *Server) handleEvaluateClaim(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if !claims.Allows(model.RoleAgent) {
		return errorResult("evaluating claims requires the agent role"), nil
	}
	claimID, msg := uuidArg(request, "claim_id", true)
	if msg != "" {
		return errorResult(msg), nil
	}

	eval, err := s.engine.EvaluateClaim(ctx, claims.OrgID, claimID)
	if err != nil {
		return s.toolError(ctx, "evaluate claim", err), nil
	}
	s.evaluations.Record(claims.AgentID, claimID)

	return jsonResult(compactEvaluation(eval))
}

func (s *Server) handleExplain(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if !claims.Allows(model.RoleReader) {
		return errorResult("authentication required"), nil
	}
	recID, msg := uuidArg(request, "recommendation_id", true)
	if msg != "" {
		return errorResult(msg), nil
	}

	exp, err := s.engine.Explain(ctx, claims.OrgID, recID)
	if err != nil {
		return s.toolError(ctx, "explain", err), nil
	}
	return jsonResult(exp)
}

func (s *Server) handleRecordOutcome(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if !claims.Allows(model.RoleAgent) {
		return errorResult("recording outcomes requires the agent role"), nil
	}

	claimID, msg := uuidArg(request, "claim_id", true)
	if msg != "" {
		return errorResult(msg), nil
	}
	result := model.ObservedResult(request.GetString("result", ""))
	if !result.Valid() {
		return errorResult("result must be one of success, failure, neutral"), nil
	}
	req := model.RecordOutcomeRequest{
		ClaimID: claimID,
		Result:  result,
		AgentID: request.GetString("agent_id", ""),
	}
	if req.AgentID == "" {
		req.AgentID = claims.AgentID
	}
	if id, msg := uuidArg(request, "recommendation_id", false); msg != "" {
		return errorResult(msg), nil
	} else if id != uuid.Nil {
		req.RecommendationID = &id
	}
	if id, msg := uuidArg(request, "rule_id", false); msg != "" {
		return errorResult(msg), nil
	} else if id != uuid.Nil {
		req.RuleID = &id
	}

	resp, err := s.engine.RecordOutcome(ctx, claims.OrgID, req)
	if err != nil {
		return s.toolError(ctx, "record outcome", err), nil
	}

	status := "recorded"
	if resp.Duplicate {
		status = "duplicate"
	}
	res, err := jsonResult(map[string]any{
		"outcome_id":          resp.Outcome.ID,
		"status":              status,
		"attributed_rule_ids": resp.Outcome.AttributedRuleIDs,
	})
	if err != nil {
		return nil, err
	}

	// Advisory: the outcome is stored either way.
	if !s.evaluations.WasEvaluated(claims.AgentID, claimID) {
		res.Content = append(res.Content, mcplib.TextContent{
			Type: "text",
			Text: fmt.Sprintf("NOTE: claim %s was not evaluated with shinsa_evaluate_claim in this session. "+
				"Evaluate a claim before acting on it so outcomes can be attributed to the rules that suggested the action.", claimID),
		})
	}
	return res, nil
}

func (s *Server) handleAnalytics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if !claims.Allows(model.RoleReader) {
		return errorResult("authentication required"), nil
	}

	days := request.GetInt("days", 7)
	if days < 1 || days > maxAnalyticsDays {
		return errorResult(fmt.Sprintf("days must be between 1 and %d", maxAnalyticsDays)), nil
	}
	// The default week goes through the engine's cached window.
	var w effectiveness.Window
	if d := time.Duration(days) * 24 * time.Hour; d != effectiveness.DefaultWindow {
		w = effectiveness.WindowEnding(time.Now().UTC().Truncate(time.Minute), d)
	}

	rep, err := s.engine.Analytics(ctx, claims.OrgID, w)
	if err != nil {
		return s.toolError(ctx, "analytics", err), nil
	}
	return jsonResult(rep)
}

// toolError turns an engine error into a tool result. Client errors are
// reported as-is; everything else is logged and reported generically.
func (s *Server) toolError(ctx context.Context, op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(op + ": not found")
	case errors.Is(err, model.ErrTenantIsolation):
		return errorResult(op + ": resource belongs to another organization")
	case isClientError(err):
		return errorResult(fmt.Sprintf("%s: %v", op, err))
	}
	attrs := []any{"op", op, "error", err, "request_id", ctxutil.RequestIDFromContext(ctx)}
	if c := ctxutil.ClaimsFromContext(ctx); c != nil {
		attrs = append(attrs, "agent_id", c.AgentID, "org_id", c.OrgID)
	}
	s.logger.ErrorContext(ctx, "mcp: tool failed", attrs...)
	return errorResult(op + " failed")
}

func isClientError(err error) bool {
	return errors.Is(err, engine.ErrInvalidInput) || errors.Is(err, outcomes.ErrInvalidInput)
}

// uuidArg reads a UUID string argument. The returned message is non-empty
// when the argument is malformed or missing but required.
func uuidArg(request mcplib.CallToolRequest, name string, required bool) (uuid.UUID, string) {
	v := request.GetString(name, "")
	if v == "" {
		if required {
			return uuid.Nil, name + " is required"
		}
		return uuid.Nil, ""
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Sprintf("invalid %s: %q is not a UUID", name, v)
	}
	return id, ""
}

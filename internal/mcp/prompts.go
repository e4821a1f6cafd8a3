package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shinsa/internal/model"
)

func (s *Server) registerPrompts() {
	// claim-review: walk an agent through evaluating a claim.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("claim-review",
			mcplib.WithPromptDescription("Review a claim with Shinsa before taking action on it"),
			mcplib.WithArgument("claim_id",
				mcplib.ArgumentDescription("UUID of the claim to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleClaimReviewPrompt,
	)

	// after-action: remind the agent to report what happened.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("after-action",
			mcplib.WithPromptDescription("Report the result of an action taken on a claim"),
			mcplib.WithArgument("claim_id",
				mcplib.ArgumentDescription("UUID of the claim the action was taken on"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("result",
				mcplib.ArgumentDescription("success, failure or neutral"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAfterActionPrompt,
	)

	// agent-setup: system prompt snippet for the evaluate/act/report loop.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Shinsa evaluate, act, report workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleClaimReviewPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	claimID := request.Params.Arguments["claim_id"]
	if claimID == "" {
		return nil, fmt.Errorf("claim_id argument is required")
	}
	if _, err := uuid.Parse(claimID); err != nil {
		return nil, fmt.Errorf("claim_id argument must be a UUID")
	}

	return userPrompt(fmt.Sprintf("Review claim %s", claimID), fmt.Sprintf(`Before acting on claim %[1]s, follow these steps:

1. CALL shinsa_evaluate_claim with claim_id="%[1]s".

2. REVIEW the response:
   - Resolve every flag first. Flags mark problems that block closing the claim.
   - Work through next_best_actions in order. Higher priority comes first.
   - For negotiation_tactics, prefer low risk_level tactics with this carrier.
     A high risk_level means the tactic has a poor track record with them.
   - If "unavailable" lists data sources, the evaluation ran on partial data.
     Say so when you present the recommendations.

3. If a recommendation is surprising, CALL shinsa_explain with its id before
   following it.

4. After the carrier responds, CALL shinsa_record_outcome with the claim_id,
   the recommendation_id you acted on, and result success, failure or neutral.`, claimID)), nil
}

func (s *Server) handleAfterActionPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	claimID := request.Params.Arguments["claim_id"]
	result := request.Params.Arguments["result"]
	if claimID == "" || result == "" {
		return nil, fmt.Errorf("claim_id and result arguments are required")
	}
	if !model.ObservedResult(result).Valid() {
		return nil, fmt.Errorf("result must be one of success, failure, neutral")
	}

	return userPrompt(fmt.Sprintf("Report a %s on claim %s", result, claimID), fmt.Sprintf(`You just learned how an action on claim %[1]s turned out. Record it now so
rule effectiveness and agent performance stay accurate.

CALL shinsa_record_outcome with:
- claim_id: "%[1]s"
- result: "%[2]s"
- recommendation_id: the recommendation you acted on, if it came from Shinsa
- rule_id: only if you followed a rule directly without a recommendation

Recording the same result twice is harmless. To correct a result that was
already recorded, ask an operator to compensate the original outcome instead
of recording a contradicting one.`, claimID, result)), nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return userPrompt("Shinsa claim decision workflow for AI agents", `You have access to Shinsa, a decision engine for insurance claims. It turns
a claim's facts into recommended next actions, negotiation tactics and
flags, and learns which rules work from the outcomes you report.

## The Pattern: Evaluate, Act, Report

### Before acting:
Call shinsa_evaluate_claim with the claim_id. Re-evaluate whenever new
supplements, photos or inspections arrive; the result reflects the claim
as it is now.

### While acting:
Follow the recommendations in priority order. Call shinsa_explain for any
recommendation you need to justify to an adjuster or carrier.

### After acting:
Call shinsa_record_outcome with the result. Outcomes are credited to the
rules behind the recommendation and to you.

## Available Tools

- shinsa_evaluate_claim: Recommendations for a claim (use FIRST)
- shinsa_explain: Rules, matched fields and similar cases behind a recommendation
- shinsa_record_outcome: Report success, failure or neutral (use AFTER acting)
- shinsa_analytics: Rule effectiveness and the agent leaderboard

## Reading Confidence

- 0.8-1.0: Strong rule with a good track record on similar claims
- 0.5-0.7: Reasonable, but check the explanation before committing
- below 0.5: Weak evidence; treat as a suggestion only`), nil
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: text,
				},
			},
		},
	}
}

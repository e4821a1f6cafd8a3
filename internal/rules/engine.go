// Package rules evaluates an organization's rule set against a claim's
// facts and returns the fired actions in conflict-resolution order.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shinsa/internal/facts"
	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/trigger"
)

// RuleSet is an immutable snapshot of one organization's rules, loaded per
// evaluation. The engine keeps no rule cache of its own.
type RuleSet struct {
	OrgID    uuid.UUID
	Rules    []model.Rule
	LoadedAt time.Time
}

// Warning records a rule skipped during evaluation.
type Warning struct {
	RuleID   uuid.UUID `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	Reason   string    `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("rule %s (%s) skipped: %s", w.RuleID, w.RuleName, w.Reason)
}

// Result is the outcome of evaluating one rule set.
type Result struct {
	Fired     []model.FiredAction
	Warnings  []Warning
	Evaluated int
}

// Engine evaluates rule triggers on a bounded worker pool.
type Engine struct {
	workers int
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of triggers evaluated at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock overrides the time source used for FiredAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Workers default to GOMAXPROCS.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		workers: runtime.GOMAXPROCS(0),
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Evaluate fires every active rule in set whose trigger matches fm.
//
// Any rule owned by an organization other than orgID fails the whole
// evaluation with model.ErrTenantIsolation before a single trigger runs.
// Rules with structurally invalid triggers are skipped and reported as
// warnings. The context is consulted once, before work starts; evaluation
// itself runs to completion.
func (e *Engine) Evaluate(ctx context.Context, orgID uuid.UUID, set RuleSet, fm facts.FactMap) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("rules: evaluate: %w", err)
	}
	if set.OrgID != orgID {
		return Result{}, fmt.Errorf("rules: rule set for org %s evaluated for org %s: %w", set.OrgID, orgID, model.ErrTenantIsolation)
	}
	for _, r := range set.Rules {
		if r.OrgID != orgID {
			return Result{}, fmt.Errorf("rules: rule %s belongs to org %s, claim org is %s: %w", r.ID, r.OrgID, orgID, model.ErrTenantIsolation)
		}
	}

	var res Result
	candidates := make([]model.Rule, 0, len(set.Rules))
	for _, r := range set.Rules {
		if !r.Active() {
			continue
		}
		if err := trigger.Validate(r.Trigger); err != nil {
			w := Warning{RuleID: r.ID, RuleName: r.Name, Reason: err.Error()}
			res.Warnings = append(res.Warnings, w)
			e.logger.Warn("rules: skipping invalid rule", "org_id", orgID, "rule_id", r.ID, "reason", w.Reason)
			continue
		}
		candidates = append(candidates, r)
	}
	res.Evaluated = len(candidates)

	firedAt := e.now().UTC()
	matches := make([]*model.FiredAction, len(candidates))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, r := range candidates {
		g.Go(func() error {
			if !trigger.Evaluate(r.Trigger, fm) {
				return nil
			}
			matches[i] = fire(r, fm, firedAt)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	res.Fired = make([]model.FiredAction, 0, len(candidates))
	for _, m := range matches {
		if m != nil {
			res.Fired = append(res.Fired, *m)
		}
	}
	SortFired(res.Fired)
	return res, nil
}

func fire(r model.Rule, fm facts.FactMap, at time.Time) *model.FiredAction {
	action := r.Action
	if action.Priority == 0 {
		action.Priority = r.Priority
	}
	snapshot := map[string]any{}
	if paths := trigger.Paths(r.Trigger); len(paths) > 0 {
		snapshot = fm.Snapshot(paths...)
	}
	return &model.FiredAction{
		RuleID:        r.ID,
		RuleName:      r.Name,
		Priority:      r.Priority,
		Category:      r.ActionCategory(),
		Action:        action,
		FiredAt:       at,
		FactsSnapshot: snapshot,
	}
}

// SortFired orders fired actions by priority descending, then category,
// then rule ID. This order is the conflict-resolution policy: earlier
// actions win among mutually exclusive recommendations of one category.
func SortFired(fired []model.FiredAction) {
	sort.SliceStable(fired, func(i, j int) bool {
		a, b := fired[i], fired[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.RuleID.String() < b.RuleID.String()
	})
}

// Package policy defines the decision-point interface consulted before plan
// admission and around task execution. Denials are fail-closed: the runtime
// stops the task and records the reason.
package policy

import (
	"context"
	"fmt"
)

// Actions the runtime consults the engine for.
const (
	ActionPlanAdmit = "plan.admit"
	ActionTaskPre   = "task.pre"
	ActionTaskPost  = "task.post"
)

// Decision is the engine's verdict.
type Decision struct {
	Allow  bool           `json:"allow"`
	Limits map[string]any `json:"limits,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Engine evaluates an action against a payload.
type Engine interface {
	Evaluate(ctx context.Context, action string, payload map[string]any) (Decision, error)
}

// AllowAll is the default engine: every action passes.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, string, map[string]any) (Decision, error) {
	return Decision{Allow: true}, nil
}

// Rule denies matching payloads for one action.
type Rule struct {
	Action string
	// Field/Equals match on a payload field; empty Field matches every
	// payload for the action.
	Field  string
	Equals any
	Reason string
}

// RuleEngine is a small deny-list engine. Rules are checked in order; the
// first match denies. Anything unmatched is allowed.
type RuleEngine struct {
	rules []Rule
}

// NewRuleEngine creates an engine from deny rules.
func NewRuleEngine(rules ...Rule) *RuleEngine {
	return &RuleEngine{rules: rules}
}

// Evaluate applies the deny rules for the action.
func (e *RuleEngine) Evaluate(_ context.Context, action string, payload map[string]any) (Decision, error) {
	for _, r := range e.rules {
		if r.Action != action {
			continue
		}
		if r.Field == "" || payload[r.Field] == r.Equals {
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("denied by rule on %s", action)
			}
			return Decision{Allow: false, Reason: reason}, nil
		}
	}
	return Decision{Allow: true}, nil
}

// Package planner drives a nucleus through a two-stage prompt (thinking,
// then a structured emit) to produce candidate plans constrained to the
// registered capability map. Candidates are validated structurally and
// against the registry; selection defaults to first-valid.
package planner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/keelframework/keel/pkg/canonicalize"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/ledger"
	"github.com/keelframework/keel/pkg/nucleus"
	"github.com/keelframework/keel/pkg/registry"
)

// Selector picks one plan from the valid candidates. The default selector
// returns the first.
type Selector func(valid []contracts.Plan) (contracts.Plan, error)

// Params configures a planning run.
type Params struct {
	Goal         contracts.Goal
	Context      contracts.ContextPacket
	Capabilities *registry.CapabilityRegistry
	Nucleus      nucleus.Factory
	Ledger       *ledger.Ledger
	Logger       *slog.Logger

	// PlanCount is how many candidate plans to request; defaults to 1.
	PlanCount int
	// Selector overrides first-valid selection.
	Selector Selector
	// Retriever, when set, lets the planning nucleus request context
	// retrieval mid-flight.
	Retriever nucleus.Retriever
}

// Candidate is one emitted plan with its validation outcome.
type Candidate struct {
	Plan         contracts.Plan `json:"plan"`
	Valid        bool           `json:"valid"`
	RejectReason string         `json:"reject_reason,omitempty"`
}

// Result is the planner's full record: the selection plus everything the
// replay bundle needs to reconstruct the planning decision.
type Result struct {
	Selected     contracts.Plan  `json:"selected"`
	Candidates   []Candidate     `json:"candidates"`
	Thinking     string          `json:"thinking"`
	Rationale    string          `json:"rationale,omitempty"`
	PromptDigest string          `json:"prompt_digest"`
	Telemetry    nucleus.Metrics `json:"telemetry"`
}

// Planner turns a goal plus context into a selected plan.
type Planner struct {
	p Params
}

// New validates params and builds a planner.
func New(p Params) (*Planner, error) {
	if p.Capabilities == nil {
		return nil, fmt.Errorf("planner: capability registry required")
	}
	if p.Nucleus == nil {
		return nil, fmt.Errorf("planner: nucleus factory required")
	}
	if p.PlanCount <= 0 {
		p.PlanCount = 1
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Planner{p: p}, nil
}

// Plan runs the two-stage prompt and returns the selected plan. All
// candidates invalid is fatal.
func (pl *Planner) Plan(ctx context.Context) (*Result, error) {
	n := pl.p.Nucleus(nucleus.Params{
		Ledger:    pl.p.Ledger,
		Logger:    pl.p.Logger,
		TaskID:    "planner",
		Facts:     pl.p.Context.Facts,
		Retriever: pl.p.Retriever,
	})

	thinking, err := n.Summarize(ctx, pl.thinkingPrompt())
	if err != nil {
		return nil, fmt.Errorf("planner: thinking stage: %w", err)
	}

	emitPrompt := pl.emitPrompt(thinking)
	emitted, err := n.Summarize(ctx, emitPrompt)
	if err != nil {
		return nil, fmt.Errorf("planner: emit stage: %w", err)
	}

	doc, err := parsePlanDocument(emitted)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	result := &Result{
		Thinking:     thinking,
		Rationale:    doc.Rationale,
		PromptDigest: canonicalize.DigestText(emitPrompt),
		Telemetry:    n.Metrics(),
	}

	contextRef, err := canonicalize.ContextRef(pl.p.Context)
	if err != nil {
		return nil, fmt.Errorf("planner: context ref: %w", err)
	}
	mapVersion := pl.p.Capabilities.Version()

	var valid []contracts.Plan
	for _, plan := range doc.Plans {
		if plan.ID == "" {
			plan.ID = uuid.NewString()
		}
		plan.ContextRef = contextRef
		plan.CapabilityMapVersion = mapVersion

		if reason := pl.reject(plan); reason != "" {
			pl.p.Logger.Warn("candidate plan rejected", "plan_id", plan.ID, "reason", reason)
			result.Candidates = append(result.Candidates, Candidate{Plan: plan, RejectReason: reason})
			continue
		}
		result.Candidates = append(result.Candidates, Candidate{Plan: plan, Valid: true})
		valid = append(valid, plan)
	}

	if len(valid) == 0 {
		return nil, fmt.Errorf("planner: all %d candidate plans rejected", len(result.Candidates))
	}

	selected := valid[0]
	if pl.p.Selector != nil {
		selected, err = pl.p.Selector(valid)
		if err != nil {
			return nil, fmt.Errorf("planner: selector: %w", err)
		}
	}
	for _, other := range valid {
		if other.ID != selected.ID {
			selected.Alternatives = append(selected.Alternatives, other.ID)
		}
	}
	if selected.Rationale == "" {
		selected.Rationale = doc.Rationale
	}
	result.Selected = selected
	return result, nil
}

// reject returns a non-empty reason when the candidate violates a plan
// invariant or references an unregistered capability.
func (pl *Planner) reject(plan contracts.Plan) string {
	if err := plan.Validate(); err != nil {
		return err.Error()
	}
	for _, t := range plan.Tasks {
		if !pl.p.Capabilities.Has(t.CapabilityRef) {
			return fmt.Sprintf("task %q references unknown capability %q", t.ID, t.CapabilityRef)
		}
	}
	return ""
}

func (pl *Planner) thinkingPrompt() string {
	var sb promptBuilder
	sb.line("PLANNING: THINKING STAGE")
	sb.linef("Goal: %s", pl.p.Goal.Intent)
	for _, c := range pl.p.Goal.Constraints {
		sb.linef("Constraint: %s", c)
	}
	for _, a := range pl.p.Context.Assumptions {
		sb.linef("Assumption: %s", a)
	}
	sb.line("Registered capabilities:")
	for _, cap := range pl.p.Capabilities.List() {
		sb.linef("- %s (side_effects=%v)", cap.Name, cap.SideEffects)
	}
	sb.line("Analyze the goal: decompose it into steps, identify dependencies " +
		"between steps, and note which capability each step needs. Freeform prose; no JSON yet.")
	return sb.String()
}

func (pl *Planner) emitPrompt(thinking string) string {
	var sb promptBuilder
	sb.line("PLANNING: EMIT STAGE")
	sb.line("Your earlier analysis:")
	sb.line(thinking)
	sb.line("")
	sb.linef("Emit exactly %d candidate plan(s) as a single JSON document:", pl.p.PlanCount)
	sb.line(`{"rationale":"...","plans":[{"id":"...","tasks":[{"id":"t1","capability_ref":"<registered capability>","input":{},"objective":"...","success_criteria":["..."]}],"edges":[{"from":"t1","to":"t2","guard":"<optional CEL expr>"}]}]}`)
	sb.line("Rules: every capability_ref must be a registered capability; every edge endpoint " +
		"must name a task in the same plan; the task graph must be acyclic. JSON only, no prose.")
	return sb.String()
}

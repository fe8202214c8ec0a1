// Package kernel is the framework façade: it normalizes goals and contexts,
// wires the planner and runtime around a shared nucleus factory and the
// process registries, and exposes Plan, Execute, and PlanAndExecute.
package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/keelframework/keel/pkg/bundle"
	"github.com/keelframework/keel/pkg/canonicalize"
	"github.com/keelframework/keel/pkg/checkpoint"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/guard"
	"github.com/keelframework/keel/pkg/ledger"
	"github.com/keelframework/keel/pkg/llm"
	"github.com/keelframework/keel/pkg/nucleus"
	"github.com/keelframework/keel/pkg/observability"
	"github.com/keelframework/keel/pkg/planner"
	"github.com/keelframework/keel/pkg/policy"
	"github.com/keelframework/keel/pkg/provider"
	"github.com/keelframework/keel/pkg/registry"
	"github.com/keelframework/keel/pkg/runtime"
	"github.com/keelframework/keel/pkg/stream"
)

// Options configures a kernel instance. Capabilities and an LLM client are
// required; everything else has a working default.
type Options struct {
	Client        llm.Client
	Capabilities  *registry.CapabilityRegistry
	Tools         *registry.ToolRegistry
	NucleusConfig nucleus.Config
	Policy        policy.Engine
	Guards        *guard.Evaluator
	Provider      *provider.Provider
	Checkpoints   checkpoint.Store
	Observability *observability.Provider
	Logger        *slog.Logger
}

// Kernel wires planning and execution for one process.
type Kernel struct {
	opts    Options
	factory nucleus.Factory
	logger  *slog.Logger
}

// New validates options and builds a kernel.
func New(opts Options) (*Kernel, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("kernel: llm client required")
	}
	if opts.Capabilities == nil {
		return nil, fmt.Errorf("kernel: capability registry required")
	}
	if opts.Tools == nil {
		opts.Tools = registry.NewToolRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NucleusConfig.MaxContextTokens == 0 && opts.NucleusConfig.MaxQueryRounds == 0 {
		opts.NucleusConfig = nucleus.DefaultConfig()
	}
	return &Kernel{
		opts:    opts,
		factory: nucleus.NewFactory(opts.Client, opts.NucleusConfig, opts.Logger),
		logger:  opts.Logger,
	}, nil
}

// PlanRequest asks for candidate plans for a goal.
type PlanRequest struct {
	Goal      contracts.Goal
	Context   contracts.ContextPacket
	PlanCount int
	Selector  planner.Selector
	Stream    stream.Sink
	Ledger    *ledger.Ledger
}

// PlanResponse carries the selection and the planner record.
type PlanResponse struct {
	Plan    contracts.Plan
	Planner *planner.Result
	Ledger  *ledger.Ledger
}

// ExecuteRequest runs a plan. ExistingPlan skips planning; otherwise the
// caller should have planned first.
type ExecuteRequest struct {
	Goal         contracts.Goal
	Context      contracts.ContextPacket
	ExistingPlan contracts.Plan

	RunID              string
	Stream             stream.Sink
	Ledger             *ledger.Ledger
	TaskScope          []string
	Resume             bool
	ResumeFrom         string
	CheckpointInterval int
}

// ExecuteResponse is the run outcome plus everything needed for export.
type ExecuteResponse struct {
	Plan      contracts.Plan
	Planner   *planner.Result
	Execution *runtime.Result
	RunID     string
}

// Plan normalizes the inputs and produces a selected plan.
func (k *Kernel) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	goal, packet, err := normalize(req.Goal, req.Context)
	if err != nil {
		return nil, err
	}
	lg := req.Ledger
	if lg == nil {
		lg = ledger.New()
	}

	pl, err := planner.New(planner.Params{
		Goal:         goal,
		Context:      packet,
		Capabilities: k.opts.Capabilities,
		Nucleus:      k.factory,
		Ledger:       lg,
		Logger:       k.logger,
		PlanCount:    req.PlanCount,
		Selector:     req.Selector,
		Retriever:    retriever(k.opts.Provider, lg),
	})
	if err != nil {
		return nil, err
	}
	result, err := pl.Plan(ctx)
	if err != nil {
		return nil, err
	}
	return &PlanResponse{Plan: result.Selected, Planner: result, Ledger: lg}, nil
}

// Execute runs an existing plan on the runtime.
func (k *Kernel) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	goal, packet, err := normalize(req.Goal, req.Context)
	if err != nil {
		return nil, err
	}
	if len(req.ExistingPlan.Tasks) == 0 {
		return nil, fmt.Errorf("kernel: execute requires a plan; use PlanAndExecute to plan first")
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	lg := req.Ledger
	if lg == nil {
		lg = ledger.New()
	}

	rt, err := runtime.New(runtime.Params{
		Goal:               goal,
		Context:            packet,
		Plan:               req.ExistingPlan,
		Capabilities:       k.opts.Capabilities,
		Tools:              k.opts.Tools,
		Nucleus:            k.factory,
		NucleusConfig:      k.opts.NucleusConfig,
		Policy:             k.opts.Policy,
		Guards:             k.opts.Guards,
		Stream:             req.Stream,
		Ledger:             lg,
		Provider:           retriever(k.opts.Provider, lg),
		Logger:             k.logger,
		RunID:              runID,
		Checkpoints:        k.opts.Checkpoints,
		CheckpointInterval: req.CheckpointInterval,
		Resume:             req.Resume,
		ResumeFrom:         req.ResumeFrom,
		TaskScope:          req.TaskScope,
		TrackTask:          trackTask(k.opts.Observability),
	})
	if err != nil {
		return nil, err
	}
	execution, err := rt.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &ExecuteResponse{Plan: req.ExistingPlan, Execution: execution, RunID: runID}, nil
}

// PlanAndExecute plans, then runs the selected plan on a shared ledger so
// the planner's inference entries and the run entries form one chain.
func (k *Kernel) PlanAndExecute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	goal, packet, err := normalize(req.Goal, req.Context)
	if err != nil {
		return nil, err
	}
	lg := req.Ledger
	if lg == nil {
		lg = ledger.New()
	}

	planResp, err := k.Plan(ctx, PlanRequest{
		Goal:    goal,
		Context: packet,
		Ledger:  lg,
		Stream:  req.Stream,
	})
	if err != nil {
		return nil, err
	}

	req.Goal = goal
	req.Context = packet
	req.ExistingPlan = planResp.Plan
	req.Ledger = lg
	resp, err := k.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Planner = planResp.Planner
	return resp, nil
}

// Export writes a replay bundle for a finished run.
func (k *Kernel) Export(ctx context.Context, dir string, resp *ExecuteResponse, packet contracts.ContextPacket, goal contracts.Goal) error {
	export := bundle.Export{
		RunID:   resp.RunID,
		Goal:    goal,
		Context: packet,
		Plans:   []bundle.PlanRecord{{Selected: true, Plan: resp.Plan}},
		Planner: resp.Planner,
		Ledger:  resp.Execution.Ledger.Entries(),
	}
	if resp.Planner != nil {
		for _, cand := range resp.Planner.Candidates {
			if cand.Plan.ID != resp.Plan.ID {
				export.Plans = append(export.Plans, bundle.PlanRecord{Plan: cand.Plan})
			}
		}
	}
	for taskID, output := range resp.Execution.Outputs {
		io := bundle.TaskIO{TaskID: taskID, Output: output}
		if task, ok := resp.Plan.TaskByID(taskID); ok {
			io.Input = task.Input
		}
		export.TaskIO = append(export.TaskIO, io)
	}
	if k.opts.Checkpoints != nil {
		metas, err := k.opts.Checkpoints.List(ctx, resp.RunID)
		if err != nil {
			return fmt.Errorf("kernel: export checkpoints: %w", err)
		}
		for _, meta := range metas {
			cp, err := k.opts.Checkpoints.Get(ctx, resp.RunID, meta.ID)
			if err != nil {
				return fmt.Errorf("kernel: export checkpoint %s: %w", meta.ID, err)
			}
			export.Checkpoints = append(export.Checkpoints, cp)
		}
	}
	return bundle.Write(dir, export)
}

// normalize assigns IDs where absent and verifies the packet canonicalizes,
// so a contextRef can always be computed downstream.
func normalize(goal contracts.Goal, packet contracts.ContextPacket) (contracts.Goal, contracts.ContextPacket, error) {
	if goal.Intent == "" {
		return goal, packet, fmt.Errorf("kernel: goal intent required")
	}
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if packet.ID == "" {
		packet.ID = uuid.NewString()
	}
	if packet.Facts == nil {
		packet.Facts = map[string]any{}
	}
	if _, err := canonicalize.ContextRef(packet); err != nil {
		return goal, packet, fmt.Errorf("kernel: context packet not canonicalizable: %w", err)
	}
	return goal, packet, nil
}

// trackTask adapts the optional telemetry provider into the runtime's span
// hook.
func trackTask(p *observability.Provider) func(context.Context, string, string) (context.Context, func(error)) {
	if p == nil {
		return nil
	}
	return p.TrackTask
}

// retriever binds the shared provider to a run ledger, avoiding a typed-nil
// interface when no provider is configured.
func retriever(p *provider.Provider, lg *ledger.Ledger) nucleus.Retriever {
	if p == nil {
		return nil
	}
	return p.WithLedger(lg)
}

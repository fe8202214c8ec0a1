// Package runtime executes a selected plan: a sequential DAG scheduler with
// guarded edges, a per-task pipeline (preflight, policy, retried execute,
// verification, postcheck), checkpointed resume, and an append-only decision
// ledger. The runtime owns the plan and the ledger for the duration of a run.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/keelframework/keel/pkg/canonicalize"
	"github.com/keelframework/keel/pkg/checkpoint"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/guard"
	"github.com/keelframework/keel/pkg/ledger"
	"github.com/keelframework/keel/pkg/nucleus"
	"github.com/keelframework/keel/pkg/policy"
	"github.com/keelframework/keel/pkg/registry"
	"github.com/keelframework/keel/pkg/stream"
)

// Pipeline stages, used in RunError and ERROR ledger entries.
const (
	StageConfig       = "CONFIG"
	StageResolve      = "RESOLVE"
	StagePreflight    = "PREFLIGHT"
	StagePolicyPre    = "POLICY_PRE"
	StageExecute      = "EXECUTE"
	StagePolicyPost   = "POLICY_POST"
	StageVerification = "VERIFICATION"
	StagePostcheck    = "NUCLEUS_POSTCHECK"
	StageCheckpoint   = "CHECKPOINT"
)

// retryPolicyAttempts is the attempt count implied by a named retry policy
// when the task carries no explicit retry spec.
const retryPolicyAttempts = 3

// defaultBackoffBaseMs is the base delay when a retry spec omits it.
const defaultBackoffBaseMs = 1000

// Params wires a runtime for one run.
type Params struct {
	Goal    contracts.Goal
	Context contracts.ContextPacket
	Plan    contracts.Plan

	Capabilities *registry.CapabilityRegistry
	Tools        *registry.ToolRegistry
	Nucleus      nucleus.Factory
	// NucleusConfig is merged per task: AllowedTools gains the task's
	// declared tools.
	NucleusConfig nucleus.Config

	Policy   policy.Engine     // nil disables policy gates
	Guards   *guard.Evaluator  // nil builds a default evaluator
	Stream   stream.Sink       // nil falls back to NopSink
	Ledger   *ledger.Ledger    // nil creates a fresh ledger
	Provider nucleus.Retriever // nil means preflight NEEDS_CONTEXT is fatal
	Logger   *slog.Logger

	// PolicyBindings is exposed to guard expressions as the policy root.
	PolicyBindings map[string]any

	// TrackTask, when set, opens a span around each task pipeline; the
	// returned func receives the pipeline error. Matches
	// observability.Provider.TrackTask.
	TrackTask func(ctx context.Context, taskID, capabilityRef string) (context.Context, func(error))

	RunID string

	Checkpoints        checkpoint.Store
	CheckpointInterval int // tasks between snapshots; default 1

	// Resume restores state from a checkpoint before scheduling. ResumeFrom
	// names a checkpoint ID; empty means the latest for RunID.
	Resume     bool
	ResumeFrom string

	// TaskScope, when non-nil, restricts execution to the named tasks. An
	// empty non-nil scope executes nothing.
	TaskScope []string
}

// Result is the terminal view of a run.
type Result struct {
	Outputs     map[string]any       `json:"outputs"`
	GoalSummary string               `json:"goal_summary"`
	Metrics     contracts.RunMetrics `json:"metrics"`
	Ledger      *ledger.Ledger       `json:"-"`
}

// RunError locates a failure within the run: the task, the pipeline stage,
// and the checkpoint written before surfacing, if any.
type RunError struct {
	TaskID       string
	Stage        string
	CheckpointID string
	Err          error
}

func (e *RunError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("run failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("task %s failed at %s: %v", e.TaskID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Runtime executes one plan. Single-threaded; not reusable across runs.
type Runtime struct {
	p      Params
	ledger *ledger.Ledger
	guards *guard.Evaluator
	sink   stream.Sink
	logger *slog.Logger

	outputs  map[string]any
	executed map[string]bool
	order    []string
	metrics  contracts.RunMetrics

	elapsedBaseline float64
	sinceCheckpoint int

	// branchNoted tracks tasks whose guarded readiness was already recorded.
	branchNoted map[string]bool

	sleep  func(time.Duration)
	jitter func() float64
	clock  func() time.Time
}

// New validates params and builds a runtime.
func New(p Params) (*Runtime, error) {
	if p.Capabilities == nil {
		return nil, fmt.Errorf("runtime: capability registry required")
	}
	if p.Nucleus == nil {
		return nil, fmt.Errorf("runtime: nucleus factory required")
	}
	if p.RunID == "" {
		return nil, fmt.Errorf("runtime: run id required")
	}
	if p.Tools == nil {
		p.Tools = registry.NewToolRegistry()
	}
	if p.Ledger == nil {
		p.Ledger = ledger.New()
	}
	if p.Stream == nil {
		p.Stream = stream.NopSink{}
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.CheckpointInterval <= 0 {
		p.CheckpointInterval = 1
	}
	guards := p.Guards
	if guards == nil {
		var err error
		guards, err = guard.NewEvaluator(p.Logger)
		if err != nil {
			return nil, fmt.Errorf("runtime: guard evaluator: %w", err)
		}
	}
	return &Runtime{
		p:           p,
		ledger:      p.Ledger,
		guards:      guards,
		sink:        p.Stream,
		logger:      p.Logger,
		outputs:     make(map[string]any),
		executed:    make(map[string]bool),
		branchNoted: make(map[string]bool),
		sleep:       time.Sleep,
		jitter:      func() float64 { return 0.5 + rand.Float64()*0.5 },
		clock:       time.Now,
	}, nil
}

// Run executes the plan to completion or first fatal error. A checkpoint is
// written before any error surfaces when a store is configured.
func (r *Runtime) Run(ctx context.Context) (*Result, error) {
	start := r.clock()

	if err := r.admit(ctx); err != nil {
		return nil, err
	}

	scoped := r.p.TaskScope != nil
	scope := make(map[string]bool, len(r.p.TaskScope))
	for _, id := range r.p.TaskScope {
		scope[id] = true
	}

	for {
		if scoped && r.scopeSatisfied(scope) {
			break
		}
		ready := r.readySet()
		if scoped {
			ready = filterTasks(ready, scope)
		}
		if len(ready) == 0 {
			break
		}
		for _, task := range ready {
			if err := r.runTask(ctx, task); err != nil {
				return nil, r.fail(ctx, err)
			}
			r.sinceCheckpoint++
			if r.p.Checkpoints != nil && r.sinceCheckpoint >= r.p.CheckpointInterval {
				if _, err := r.snapshot(ctx); err != nil {
					return nil, r.fail(ctx, &RunError{Stage: StageCheckpoint, Err: err})
				}
				r.sinceCheckpoint = 0
			}
		}
	}

	summary, err := r.goalSummary(ctx)
	if err != nil {
		return nil, r.fail(ctx, &RunError{Stage: StageExecute, Err: err})
	}

	r.metrics.ElapsedSeconds = r.elapsedBaseline + r.clock().Sub(start).Seconds()
	return &Result{
		Outputs:     copyOutputs(r.outputs),
		GoalSummary: summary,
		Metrics:     r.metrics,
		Ledger:      r.ledger,
	}, nil
}

// admit validates the plan against the run's context and registry, then
// either restores from a checkpoint or records plan selection.
func (r *Runtime) admit(ctx context.Context) error {
	if err := r.p.Plan.Validate(); err != nil {
		return &RunError{Stage: StageConfig, Err: err}
	}
	ref, err := canonicalize.ContextRef(r.p.Context)
	if err != nil {
		return &RunError{Stage: StageConfig, Err: err}
	}
	if r.p.Plan.ContextRef != "" && r.p.Plan.ContextRef != ref {
		return &RunError{Stage: StageConfig, Err: fmt.Errorf("plan context_ref %s does not match supplied context %s", r.p.Plan.ContextRef, ref)}
	}
	if v := r.p.Capabilities.Version(); r.p.Plan.CapabilityMapVersion != "" && r.p.Plan.CapabilityMapVersion != v {
		return &RunError{Stage: StageConfig, Err: fmt.Errorf("plan capability_map_version %s does not match registry %s", r.p.Plan.CapabilityMapVersion, v)}
	}
	if r.p.Policy != nil {
		decision, err := r.p.Policy.Evaluate(ctx, policy.ActionPlanAdmit, map[string]any{
			"plan_id": r.p.Plan.ID,
			"tasks":   r.p.Plan.TaskIDs(),
		})
		if err != nil {
			return &RunError{Stage: StageConfig, Err: err}
		}
		if !decision.Allow {
			return &RunError{Stage: StageConfig, Err: fmt.Errorf("plan rejected by policy: %s", decision.Reason)}
		}
	}

	if r.p.Resume {
		return r.restore(ctx)
	}

	_, err = r.ledger.Append(ledger.TypePlanSelected, map[string]any{
		"plan_id":                r.p.Plan.ID,
		"context_ref":            r.p.Plan.ContextRef,
		"capability_map_version": r.p.Plan.CapabilityMapVersion,
	})
	return err
}

// restore loads a checkpoint and rebuilds outputs, executed set, ledger, and
// the elapsed-time baseline. The current plan must be structurally identical
// to the checkpointed one: the same task-ID set.
func (r *Runtime) restore(ctx context.Context) error {
	if r.p.Checkpoints == nil {
		return &RunError{Stage: StageConfig, Err: fmt.Errorf("resume requested without a checkpoint store")}
	}
	cp, err := r.p.Checkpoints.Get(ctx, r.p.RunID, r.p.ResumeFrom)
	if err != nil {
		return &RunError{Stage: StageConfig, Err: fmt.Errorf("resume: %w", err)}
	}
	if !sameTaskSet(cp.State.Plan, r.p.Plan) {
		return &RunError{Stage: StageConfig, Err: fmt.Errorf("resume: plan structure changed since checkpoint %s", cp.ID)}
	}
	if err := r.ledger.Restore(cp.State.Ledger); err != nil {
		return &RunError{Stage: StageConfig, Err: fmt.Errorf("resume: %w", err)}
	}
	for k, v := range cp.State.Outputs {
		r.outputs[k] = v
	}
	for _, id := range cp.State.Executed {
		r.executed[id] = true
		r.order = append(r.order, id)
	}
	r.metrics = cp.State.Metrics
	r.elapsedBaseline = cp.State.Metrics.ElapsedSeconds
	r.logger.Info("run restored from checkpoint",
		"run_id", r.p.RunID, "checkpoint_id", cp.ID, "executed", len(cp.State.Executed))
	return nil
}

// readySet returns pending tasks whose every incoming edge has an executed
// source and a passing guard, in plan-declared order.
func (r *Runtime) readySet() []contracts.Task {
	var ready []contracts.Task
	for _, task := range r.p.Plan.Tasks {
		if r.executed[task.ID] {
			continue
		}
		if r.taskReady(task) {
			ready = append(ready, task)
		}
	}
	return ready
}

func (r *Runtime) taskReady(task contracts.Task) bool {
	guardedReady := false
	for _, edge := range r.p.Plan.IncomingEdges(task.ID) {
		if !r.executed[edge.From] {
			return false
		}
		if edge.Guard == "" {
			continue
		}
		result := r.guards.Evaluate(edge.Guard, guard.Bindings{
			Context: r.p.Context.Facts,
			Outputs: r.outputs,
			Policy:  r.p.PolicyBindings,
		})
		r.append(ledger.TypeGuardEval, map[string]any{
			"edge":   map[string]any{"from": edge.From, "to": edge.To},
			"guard":  edge.Guard,
			"result": result,
		})
		if !result {
			return false
		}
		guardedReady = true
	}
	if guardedReady && !r.branchNoted[task.ID] {
		r.branchNoted[task.ID] = true
		r.append(ledger.TypeBranchTaken, map[string]any{"task_id": task.ID})
	}
	return true
}

// scopeSatisfied reports whether every in-scope task has executed. Tasks in
// the restored executed set count.
func (r *Runtime) scopeSatisfied(scope map[string]bool) bool {
	for id := range scope {
		if !r.executed[id] {
			return false
		}
	}
	return true
}

// fail snapshots state so the run is resumable, then annotates the error
// with the checkpoint ID.
func (r *Runtime) fail(ctx context.Context, err error) error {
	runErr, ok := err.(*RunError)
	if !ok {
		runErr = &RunError{Stage: StageExecute, Err: err}
	}
	r.append(ledger.TypeError, map[string]any{
		"task_id": runErr.TaskID,
		"stage":   runErr.Stage,
		"message": runErr.Err.Error(),
	})
	if r.p.Checkpoints != nil {
		if id, snapErr := r.snapshot(ctx); snapErr == nil {
			runErr.CheckpointID = id
		} else {
			r.logger.Error("failure checkpoint not written", "run_id", r.p.RunID, "error", snapErr)
		}
	}
	r.sink.Emit("run", map[string]any{"event": "failed", "task_id": runErr.TaskID, "stage": runErr.Stage})
	return runErr
}

func (r *Runtime) snapshot(ctx context.Context) (string, error) {
	cp, err := checkpoint.New(r.p.RunID, checkpoint.State{
		Goal:     r.p.Goal,
		Context:  r.p.Context,
		Plan:     r.p.Plan,
		Outputs:  r.outputs,
		Executed: append([]string{}, r.order...),
		Ledger:   r.ledger.Entries(),
		Metrics:  r.metrics,
	})
	if err != nil {
		return "", err
	}
	if err := r.p.Checkpoints.Put(ctx, r.p.RunID, cp); err != nil {
		return "", err
	}
	return cp.ID, nil
}

// goalSummary runs a tool-free nucleus inference over the plan and per-task
// outcomes, and records it as GOAL_SUMMARY.
func (r *Runtime) goalSummary(ctx context.Context) (string, error) {
	n := r.p.Nucleus(nucleus.Params{
		Config: r.p.NucleusConfig,
		Ledger: r.ledger,
		Logger: r.logger,
		TaskID: "goal-summary",
		Facts:  r.p.Context.Facts,
	})

	prompt := summaryPrompt(r.p.Goal, r.p.Plan, r.order, r.outputs)
	summary, err := n.Summarize(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("goal summary: %w", err)
	}
	r.mergeNucleusMetrics(n.Metrics())

	r.append(ledger.TypeGoalSummary, map[string]any{
		"summary":  summary,
		"executed": append([]string{}, r.order...),
	})
	r.sink.Emit("run", map[string]any{"event": "summary", "summary": summary})
	return summary, nil
}

func (r *Runtime) mergeNucleusMetrics(m nucleus.Metrics) {
	r.metrics.NucleusRounds += m.Rounds + m.HookInferences
	r.metrics.EstimatedPromptTokens += m.EstimatedPromptTokens
}

func (r *Runtime) append(t ledger.EntryType, details map[string]any) {
	if _, err := r.ledger.Append(t, details); err != nil {
		r.logger.Warn("ledger append failed", "type", string(t), "error", err)
	}
}

func filterTasks(tasks []contracts.Task, scope map[string]bool) []contracts.Task {
	var kept []contracts.Task
	for _, t := range tasks {
		if scope[t.ID] {
			kept = append(kept, t)
		}
	}
	return kept
}

func sameTaskSet(a, b contracts.Plan) bool {
	if len(a.Tasks) != len(b.Tasks) {
		return false
	}
	ids := make(map[string]bool, len(a.Tasks))
	for _, t := range a.Tasks {
		ids[t.ID] = true
	}
	for _, t := range b.Tasks {
		if !ids[t.ID] {
			return false
		}
	}
	return true
}

func copyOutputs(outputs map[string]any) map[string]any {
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = v
	}
	return out
}

func summaryPrompt(goal contracts.Goal, plan contracts.Plan, executed []string, outputs map[string]any) string {
	done := make(map[string]bool, len(executed))
	for _, id := range executed {
		done[id] = true
	}
	prompt := "GOAL SUMMARY\nGoal: " + goal.Intent + "\nTask outcomes:\n"
	for _, task := range plan.Tasks {
		status := "not executed"
		if done[task.ID] {
			status = "completed"
		}
		prompt += fmt.Sprintf("- %s (%s): %s\n", task.ID, task.CapabilityRef, status)
		if out, ok := outputs[task.ID]; ok {
			prompt += fmt.Sprintf("  output: %v\n", out)
		}
	}
	prompt += "Summarize what was accomplished against the goal. Cite only the outcomes above.\n"
	return prompt
}

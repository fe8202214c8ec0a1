package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/guard"
	"github.com/keelframework/keel/pkg/ledger"
	"github.com/keelframework/keel/pkg/nucleus"
	"github.com/keelframework/keel/pkg/policy"
	"github.com/keelframework/keel/pkg/registry"
)

// runTask drives one task through the pipeline: resolve, preflight, policy
// pre, retried execute, policy post, verification, postcheck, record.
func (r *Runtime) runTask(ctx context.Context, task contracts.Task) (err error) {
	if r.p.TrackTask != nil {
		var done func(error)
		ctx, done = r.p.TrackTask(ctx, task.ID, task.CapabilityRef)
		defer func() { done(err) }()
	}

	r.append(ledger.TypeTaskStart, map[string]any{
		"task_id":        task.ID,
		"capability_ref": task.CapabilityRef,
		"title":          task.Title,
	})
	r.sink.Emit("task", map[string]any{"event": "start", "task_id": task.ID})

	capability, ok := r.p.Capabilities.Resolve(task.CapabilityRef)
	if !ok {
		return &RunError{TaskID: task.ID, Stage: StageResolve,
			Err: fmt.Errorf("unknown capability %q", task.CapabilityRef)}
	}
	if capability.Handler == nil {
		return &RunError{TaskID: task.ID, Stage: StageResolve,
			Err: fmt.Errorf("capability %q has no handler", task.CapabilityRef)}
	}
	if err := r.p.Capabilities.ValidateInput(task.CapabilityRef, task.Input); err != nil {
		return &RunError{TaskID: task.ID, Stage: StageResolve, Err: err}
	}

	scope := nucleus.NewScope()
	cfg := r.p.NucleusConfig
	cfg.AllowedTools = append(append([]string{}, cfg.AllowedTools...), task.ToolNames()...)
	n := r.p.Nucleus(nucleus.Params{
		Config:    cfg,
		Ledger:    r.ledger,
		TaskID:    task.ID,
		Scope:     scope,
		Facts:     r.p.Context.Facts,
		Retriever: r.p.Provider,
	})
	rc := newRunContext(r, task, n, scope)

	if err := r.preflight(ctx, n, task, scope); err != nil {
		return err
	}

	if err := r.policyGate(ctx, policy.ActionTaskPre, ledger.TypePolicyPre, StagePolicyPre, task.ID, map[string]any{
		"task_id":        task.ID,
		"capability_ref": task.CapabilityRef,
		"input":          task.Input,
	}); err != nil {
		return err
	}

	output, err := r.execute(ctx, task, capability.Handler, rc)
	if err != nil {
		return err
	}

	if err := r.policyGate(ctx, policy.ActionTaskPost, ledger.TypePolicyPost, StagePolicyPost, task.ID, map[string]any{
		"task_id": task.ID,
		"output":  output,
	}); err != nil {
		return err
	}

	if err := r.verify(task, output); err != nil {
		return err
	}

	verdict, err := n.Postcheck(ctx, task, output)
	if err != nil {
		return &RunError{TaskID: task.ID, Stage: StagePostcheck, Err: err}
	}
	if verdict.Status != nucleus.PostcheckComplete {
		// fail() records the ERROR entry when this surfaces.
		return &RunError{TaskID: task.ID, Stage: StagePostcheck,
			Err: fmt.Errorf("postcheck %s: %s", verdict.Status, verdict.Reason)}
	}

	r.outputs[task.ID] = output
	r.executed[task.ID] = true
	r.order = append(r.order, task.ID)
	r.metrics.TasksExecuted++
	r.mergeNucleusMetrics(n.Metrics())

	r.append(ledger.TypeTaskEnd, map[string]any{
		"task_id": task.ID,
		"output":  output,
	})
	r.sink.Emit("task", map[string]any{"event": "end", "task_id": task.ID})
	return nil
}

// preflight asks the nucleus whether context suffices. On NEEDS_CONTEXT the
// provider is invoked exactly once; a second NEEDS_CONTEXT is fatal.
func (r *Runtime) preflight(ctx context.Context, n *nucleus.Nucleus, task contracts.Task, scope *nucleus.Scope) error {
	result, err := n.Preflight(ctx, task)
	if err != nil {
		return &RunError{TaskID: task.ID, Stage: StagePreflight, Err: err}
	}
	if result.Status == nucleus.PreflightOK {
		return nil
	}

	if r.p.Provider == nil {
		return &RunError{TaskID: task.ID, Stage: StagePreflight,
			Err: fmt.Errorf("task needs context %v but no provider is configured", result.Directives)}
	}
	if err := r.p.Provider.Fulfill(ctx, result.Directives, scope); err != nil {
		return &RunError{TaskID: task.ID, Stage: StagePreflight, Err: err}
	}

	result, err = n.Preflight(ctx, task)
	if err != nil {
		return &RunError{TaskID: task.ID, Stage: StagePreflight, Err: err}
	}
	if result.Status != nucleus.PreflightOK {
		r.append(ledger.TypeContextInternalized, map[string]any{
			"task_id":    task.ID,
			"status":     "insufficient",
			"directives": result.Directives,
		})
		return &RunError{TaskID: task.ID, Stage: StagePreflight,
			Err: fmt.Errorf("context still insufficient after retrieval: %v", result.Directives)}
	}
	return nil
}

func (r *Runtime) policyGate(ctx context.Context, action string, entry ledger.EntryType, stage, taskID string, payload map[string]any) error {
	if r.p.Policy == nil {
		return nil
	}
	decision, err := r.p.Policy.Evaluate(ctx, action, payload)
	if err != nil {
		return &RunError{TaskID: taskID, Stage: stage, Err: err}
	}
	r.append(entry, map[string]any{
		"task_id": taskID,
		"decision": map[string]any{
			"allow":  decision.Allow,
			"limits": decision.Limits,
			"reason": decision.Reason,
		},
	})
	if !decision.Allow {
		return &RunError{TaskID: taskID, Stage: stage,
			Err: fmt.Errorf("denied by policy: %s", decision.Reason)}
	}
	return nil
}

// execute runs the capability handler under the task's retry spec. Retry
// exhaustion on an edge marked COMPENSATION_REQUIRED records a COMPENSATION
// entry before failing.
func (r *Runtime) execute(ctx context.Context, task contracts.Task, handler registry.Handler, rc *runContext) (map[string]any, error) {
	spec := retrySpec(task)
	attempts := 1
	if spec != nil && spec.Attempts > 1 {
		attempts = spec.Attempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := handler(ctx, task.Input, rc)
		if err == nil {
			if verr := r.p.Capabilities.ValidateOutput(task.CapabilityRef, output); verr != nil {
				return nil, &RunError{TaskID: task.ID, Stage: StageExecute, Err: verr}
			}
			return output, nil
		}
		lastErr = err
		r.append(ledger.TypeError, map[string]any{
			"task_id": task.ID,
			"stage":   StageExecute,
			"attempt": attempt,
			"message": err.Error(),
		})
		if attempt < attempts {
			delay := backoffDelay(spec, attempt, r.jitter)
			r.logger.Debug("task retry", "task_id", task.ID, "attempt", attempt, "delay", delay)
			r.sleep(delay)
		}
	}

	for _, edge := range r.p.Plan.IncomingEdges(task.ID) {
		if edge.OnError == contracts.OnErrorCompensation {
			r.append(ledger.TypeCompensation, map[string]any{
				"task_id": task.ID,
				"edge":    map[string]any{"from": edge.From, "to": edge.To},
				"reason":  lastErr.Error(),
			})
			break
		}
	}
	return nil, &RunError{TaskID: task.ID, Stage: StageExecute,
		Err: fmt.Errorf("failed after %d attempt(s): %w", attempts, lastErr)}
}

// retrySpec resolves the effective retry configuration: an explicit spec
// wins; a named retry policy implies exponential backoff.
func retrySpec(task contracts.Task) *contracts.RetrySpec {
	if task.Retry != nil {
		return task.Retry
	}
	if task.RetryPolicy != "" {
		return &contracts.RetrySpec{
			Attempts: retryPolicyAttempts,
			Backoff:  contracts.BackoffExponential,
			Jitter:   true,
		}
	}
	return nil
}

func backoffDelay(spec *contracts.RetrySpec, attempt int, jitter func() float64) time.Duration {
	if spec == nil {
		return 0
	}
	base := spec.BaseMs
	if base <= 0 {
		base = defaultBackoffBaseMs
	}
	ms := base
	if spec.Backoff == contracts.BackoffExponential {
		ms = base << (attempt - 1)
	}
	delay := time.Duration(ms) * time.Millisecond
	if spec.Jitter {
		delay = time.Duration(float64(delay) * jitter())
	}
	return delay
}

// verify evaluates the task's verification expressions against the run's
// outputs, including the just-produced one.
func (r *Runtime) verify(task contracts.Task, output map[string]any) error {
	if len(task.Verification) == 0 {
		return nil
	}
	outputs := copyOutputs(r.outputs)
	outputs[task.ID] = output

	results := make([]bool, 0, len(task.Verification))
	allPassed := true
	for _, expr := range task.Verification {
		passed, err := r.guards.EvaluateStrict(expr, guard.Bindings{
			Context: r.p.Context.Facts,
			Outputs: outputs,
			Policy:  r.p.PolicyBindings,
		})
		if err != nil {
			return &RunError{TaskID: task.ID, Stage: StageVerification, Err: err}
		}
		results = append(results, passed)
		if !passed {
			allPassed = false
		}
	}
	r.append(ledger.TypeVerification, map[string]any{
		"task_id":     task.ID,
		"expressions": task.Verification,
		"results":     results,
		"result":      allPassed,
	})
	if !allPassed {
		return &RunError{TaskID: task.ID, Stage: StageVerification,
			Err: fmt.Errorf("verification failed: %v", task.Verification)}
	}
	return nil
}

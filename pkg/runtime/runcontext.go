package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/keelframework/keel/pkg/canonicalize"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/ledger"
	"github.com/keelframework/keel/pkg/nucleus"
	"github.com/keelframework/keel/pkg/registry"
)

// runContext is the task-facing view of the run. Tools resolved through it
// come back wrapped in the envelope layer.
type runContext struct {
	rt      *Runtime
	task    contracts.Task
	nucleus *nucleus.Nucleus
	scope   *nucleus.Scope
}

func newRunContext(rt *Runtime, task contracts.Task, n *nucleus.Nucleus, scope *nucleus.Scope) *runContext {
	return &runContext{rt: rt, task: task, nucleus: n, scope: scope}
}

func (rc *runContext) Goal() contracts.Goal                   { return rc.rt.p.Goal }
func (rc *runContext) ContextPacket() contracts.ContextPacket { return rc.rt.p.Context }

func (rc *runContext) Output(taskID string) (any, bool) {
	out, ok := rc.rt.outputs[taskID]
	return out, ok
}

func (rc *runContext) Outputs() map[string]any {
	return copyOutputs(rc.rt.outputs)
}

func (rc *runContext) InternalValue(key string) (any, bool) {
	return rc.scope.Get(key)
}

func (rc *runContext) Emit(channel string, event any) {
	rc.rt.sink.Emit(channel, event)
}

// Nucleus returns the task's controller for handler-driven invocations.
func (rc *runContext) Nucleus() *nucleus.Nucleus { return rc.nucleus }

// GetTool resolves a registered tool wrapped with TOOL_CALL envelope
// emission. Identity (name, schemas, side effects) passes through.
func (rc *runContext) GetTool(name string) (registry.Tool, error) {
	inner, ok := rc.rt.p.Tools.Get(name)
	if !ok {
		return nil, fmt.Errorf("runtime: unknown tool %q", name)
	}
	return &envelopedTool{inner: inner, rt: rc.rt, taskID: rc.task.ID}, nil
}

// envelopedTool records a TOOL_CALL ledger entry at call start, then again
// at completion or error, around the underlying tool.
type envelopedTool struct {
	inner  registry.Tool
	rt     *Runtime
	taskID string
}

func (t *envelopedTool) Name() string                 { return t.inner.Name() }
func (t *envelopedTool) InputSchema() map[string]any  { return t.inner.InputSchema() }
func (t *envelopedTool) OutputSchema() map[string]any { return t.inner.OutputSchema() }
func (t *envelopedTool) SideEffects() bool            { return t.inner.SideEffects() }

func (t *envelopedTool) Call(ctx context.Context, input map[string]any, idemKey string) (any, error) {
	started := t.rt.clock()
	envelope := contracts.ToolCallEnvelope{
		ID:    envelopeID(t.taskID, t.inner.Name(), idemKey, started),
		Name:  t.inner.Name(),
		Input: input,
		Metadata: contracts.EnvelopeMetadata{
			Timestamp:   started.UnixMilli(),
			InputDigest: inputDigest(input),
		},
	}
	t.emit("start", envelope)
	t.rt.metrics.ToolCalls++

	output, err := t.inner.Call(ctx, input, idemKey)
	envelope.Metadata.DurationMs = t.rt.clock().Sub(started).Milliseconds()
	if err != nil {
		envelope.Error = &contracts.EnvelopeError{Code: "TOOL_ERROR", Message: err.Error()}
		t.emit("error", envelope)
		return nil, err
	}
	envelope.Output = output
	t.emit("complete", envelope)
	return output, nil
}

func (t *envelopedTool) emit(stage string, envelope contracts.ToolCallEnvelope) {
	t.rt.append(ledger.TypeToolCall, map[string]any{
		"stage":    stage,
		"task_id":  t.taskID,
		"envelope": envelope,
	})
	t.rt.sink.Emit("tool", map[string]any{"stage": stage, "name": envelope.Name, "id": envelope.ID})
}

// inputDigest hashes the call input; unserializable inputs fall back to a
// digest of their printed form so the envelope always carries one.
func inputDigest(input map[string]any) string {
	digest, err := canonicalize.Digest(input)
	if err != nil {
		return canonicalize.DigestText(fmt.Sprintf("%v", input))
	}
	return digest
}

// envelopeID prefers the caller's idemKey so resumed runs can deduplicate
// side-effectful calls.
func envelopeID(taskID, toolName, idemKey string, ts time.Time) string {
	if idemKey != "" {
		return idemKey
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s-%d-%s", taskID, toolName, ts.UnixMilli(), hex.EncodeToString(buf))
}

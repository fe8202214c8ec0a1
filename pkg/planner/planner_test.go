package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/pkg/canonicalize"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/ledger"
	"github.com/keelframework/keel/pkg/llm"
	"github.com/keelframework/keel/pkg/nucleus"
	"github.com/keelframework/keel/pkg/registry"
)

func testRegistry(t *testing.T) *registry.CapabilityRegistry {
	t.Helper()
	caps := registry.NewCapabilityRegistry()
	for _, name := range []string{"cap.fetch", "cap.summarize"} {
		require.NoError(t, caps.Register(registry.Capability{Name: name}))
	}
	return caps
}

func newPlanner(t *testing.T, caps *registry.CapabilityRegistry, client *llm.ScriptedClient, opts ...func(*Params)) *Planner {
	t.Helper()
	p := Params{
		Goal:         contracts.Goal{ID: "g-1", Intent: "summarize the incident feed"},
		Context:      contracts.ContextPacket{ID: "c-1", Facts: map[string]any{"feed_url": "https://example.com"}},
		Capabilities: caps,
		Nucleus:      nucleus.NewFactory(client, nucleus.DefaultConfig(), nil),
		Ledger:       ledger.New(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	pl, err := New(p)
	require.NoError(t, err)
	return pl
}

const emittedPlan = `{"rationale":"fetch then summarize",
  "plans":[{"id":"plan-a",
    "tasks":[{"id":"t1","capability_ref":"cap.fetch"},{"id":"t2","capability_ref":"cap.summarize"}],
    "edges":[{"from":"t1","to":"t2"}]}]}`

func TestPlanHappyPath(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.Response{Content: "fetch first, then summarize"},
		&llm.Response{Content: emittedPlan},
	)
	caps := testRegistry(t)
	pl := newPlanner(t, caps, client)

	result, err := pl.Plan(context.Background())
	require.NoError(t, err)
	require.Equal(t, "plan-a", result.Selected.ID)
	require.Equal(t, "fetch then summarize", result.Rationale)
	require.Equal(t, "fetch first, then summarize", result.Thinking)
	require.Len(t, result.Candidates, 1)
	require.True(t, result.Candidates[0].Valid)

	require.Equal(t, caps.Version(), result.Selected.CapabilityMapVersion)
	wantRef, err := canonicalize.ContextRef(contracts.ContextPacket{
		ID: "c-1", Facts: map[string]any{"feed_url": "https://example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, wantRef, result.Selected.ContextRef)
	require.NotEmpty(t, result.PromptDigest)
	require.Equal(t, 2, result.Telemetry.Rounds)
}

func TestPlanFencedReply(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.Response{Content: "thinking"},
		&llm.Response{Content: "```json\n" + emittedPlan + "\n```"},
	)
	result, err := newPlanner(t, testRegistry(t), client).Plan(context.Background())
	require.NoError(t, err)
	require.Equal(t, "plan-a", result.Selected.ID)
}

func TestPlanRejectsUnknownCapability(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.Response{Content: "thinking"},
		&llm.Response{Content: `{"plans":[{"id":"p","tasks":[{"id":"t1","capability_ref":"cap.nonexistent"}]}]}`},
	)
	_, err := newPlanner(t, testRegistry(t), client).Plan(context.Background())
	require.ErrorContains(t, err, "all 1 candidate plans rejected")
}

func TestPlanRejectsCycle(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.Response{Content: "thinking"},
		&llm.Response{Content: `{"plans":[{"id":"p",
			"tasks":[{"id":"t1","capability_ref":"cap.fetch"},{"id":"t2","capability_ref":"cap.fetch"}],
			"edges":[{"from":"t1","to":"t2"},{"from":"t2","to":"t1"}]}]}`},
	)
	_, err := newPlanner(t, testRegistry(t), client).Plan(context.Background())
	require.ErrorContains(t, err, "rejected")
}

func TestPlanFirstValidSelection(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.Response{Content: "thinking"},
		&llm.Response{Content: `{"plans":[
			{"id":"bad","tasks":[{"id":"t1","capability_ref":"cap.missing"}]},
			{"id":"good-1","tasks":[{"id":"t1","capability_ref":"cap.fetch"}]},
			{"id":"good-2","tasks":[{"id":"t1","capability_ref":"cap.summarize"}]}]}`},
	)
	result, err := newPlanner(t, testRegistry(t), client).Plan(context.Background())
	require.NoError(t, err)
	require.Equal(t, "good-1", result.Selected.ID)
	require.Equal(t, []string{"good-2"}, result.Selected.Alternatives)
	require.Len(t, result.Candidates, 3)
	require.False(t, result.Candidates[0].Valid)
	require.Contains(t, result.Candidates[0].RejectReason, "cap.missing")
}

func TestPlanCustomSelector(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.Response{Content: "thinking"},
		&llm.Response{Content: `{"plans":[
			{"id":"good-1","tasks":[{"id":"t1","capability_ref":"cap.fetch"}]},
			{"id":"good-2","tasks":[{"id":"t1","capability_ref":"cap.summarize"}]}]}`},
	)
	pl := newPlanner(t, testRegistry(t), client, func(p *Params) {
		p.Selector = func(valid []contracts.Plan) (contracts.Plan, error) {
			return valid[len(valid)-1], nil
		}
	})
	result, err := pl.Plan(context.Background())
	require.NoError(t, err)
	require.Equal(t, "good-2", result.Selected.ID)
}

func TestPlanUnparseableEmit(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.Response{Content: "thinking"},
		&llm.Response{Content: "I cannot produce a plan right now."},
	)
	_, err := newPlanner(t, testRegistry(t), client).Plan(context.Background())
	require.ErrorContains(t, err, "unparseable plan document")
}

func TestPlanEmitPromptNamesCapabilities(t *testing.T) {
	client := llm.NewScriptedClient(
		&llm.Response{Content: "thinking"},
		&llm.Response{Content: emittedPlan},
	)
	_, err := newPlanner(t, testRegistry(t), client).Plan(context.Background())
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 2)
	thinking := calls[0].Messages[len(calls[0].Messages)-1].Content
	for _, name := range []string{"cap.fetch", "cap.summarize"} {
		require.Contains(t, thinking, name, fmt.Sprintf("thinking prompt should list %s", name))
	}
}

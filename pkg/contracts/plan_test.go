package contracts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func linearPlan() Plan {
	return Plan{
		ID: "p1",
		Tasks: []Task{
			{ID: "t1", CapabilityRef: "fetch"},
			{ID: "t2", CapabilityRef: "transform"},
			{ID: "t3", CapabilityRef: "publish"},
		},
		Edges: []Edge{{From: "t1", To: "t2"}, {From: "t2", To: "t3"}},
	}
}

func TestValidateAcceptsLinearChain(t *testing.T) {
	require.NoError(t, linearPlan().Validate())
}

func TestValidateRejectsDuplicateTaskIDs(t *testing.T) {
	p := linearPlan()
	p.Tasks = append(p.Tasks, Task{ID: "t1", CapabilityRef: "fetch"})
	require.ErrorContains(t, p.Validate(), "duplicate task id")
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	p := linearPlan()
	p.Edges = append(p.Edges, Edge{From: "t3", To: "t9"})
	require.ErrorContains(t, p.Validate(), "unknown task")
}

func TestValidateRejectsCycle(t *testing.T) {
	p := linearPlan()
	p.Edges = append(p.Edges, Edge{From: "t3", To: "t1"})
	require.ErrorContains(t, p.Validate(), "cycle")
}

func TestValidateRejectsMissingCapabilityRef(t *testing.T) {
	p := linearPlan()
	p.Tasks[1].CapabilityRef = ""
	require.ErrorContains(t, p.Validate(), "no capability_ref")
}

func TestIncomingEdges(t *testing.T) {
	p := Plan{
		Tasks: []Task{
			{ID: "t1", CapabilityRef: "a"},
			{ID: "t2", CapabilityRef: "a"},
			{ID: "t4", CapabilityRef: "a"},
		},
		Edges: []Edge{
			{From: "t1", To: "t4", Guard: "outputs.t1.ok == true"},
			{From: "t2", To: "t4"},
		},
	}
	in := p.IncomingEdges("t4")
	require.Len(t, in, 2)
	require.Equal(t, "t1", in[0].From)
	require.Empty(t, p.IncomingEdges("t1"))
}

func TestTaskByID(t *testing.T) {
	p := linearPlan()
	task, ok := p.TaskByID("t2")
	require.True(t, ok)
	require.Equal(t, "transform", task.CapabilityRef)
	_, ok = p.TaskByID("nope")
	require.False(t, ok)
}

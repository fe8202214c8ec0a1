package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/pkg/contracts"
)

func testState() State {
	return State{
		Goal: contracts.Goal{ID: "g-1", Intent: "summarize incidents"},
		Plan: contracts.Plan{
			ID:    "p-1",
			Tasks: []contracts.Task{{ID: "t1", CapabilityRef: "cap.summarize"}},
		},
		Outputs:  map[string]any{"t1": map[string]any{"summary": "ok"}},
		Executed: []string{"t1"},
	}
}

func TestNewDeepClonesState(t *testing.T) {
	state := testState()
	cp, err := New("run-1", state)
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, cp.Version)
	require.NotEmpty(t, cp.ID)

	state.Outputs["t1"] = "mutated"
	require.Equal(t, map[string]any{"summary": "ok"}, cp.State.Outputs["t1"])
}

func TestValidateRejectsMajorMismatch(t *testing.T) {
	cp, err := New("run-1", testState())
	require.NoError(t, err)

	cp.Version = "2.0.0"
	require.ErrorIs(t, Validate(cp), ErrIncompatible)

	cp.Version = "1.3.7"
	require.NoError(t, Validate(cp))

	cp.Version = "not-semver"
	require.ErrorIs(t, Validate(cp), ErrIncompatible)
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	cp, err := New("run-1", State{})
	require.NoError(t, err)
	require.ErrorIs(t, Validate(cp), ErrIncompatible)
}

func runStoreSuite(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "run-1", "")
	require.ErrorIs(t, err, ErrNotFound)

	var cps []Checkpoint
	for i := 0; i < 3; i++ {
		cp, err := New("run-1", testState())
		require.NoError(t, err)
		cp.TS = int64(1000 + i)
		require.NoError(t, store.Put(ctx, "run-1", cp))
		cps = append(cps, cp)
	}

	got, err := store.Get(ctx, "run-1", cps[0].ID)
	require.NoError(t, err)
	require.Equal(t, cps[0].ID, got.ID)
	require.Equal(t, []string{"t1"}, got.State.Executed)

	latest, err := store.Get(ctx, "run-1", "")
	require.NoError(t, err)
	require.Equal(t, cps[2].ID, latest.ID)

	metas, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, metas, 3)
	require.Equal(t, cps[2].ID, metas[0].ID)

	require.NoError(t, store.Prune(ctx, "run-1", 1))
	metas, err = store.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, cps[2].ID, metas[0].ID)

	_, err = store.Get(ctx, "run-1", cps[0].ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestFSStore(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	runStoreSuite(t, store)
}

func TestPutRejectsInvalidCheckpoint(t *testing.T) {
	store := NewMemoryStore()
	cp, err := New("run-1", testState())
	require.NoError(t, err)
	cp.Version = "9.0.0"
	require.ErrorIs(t, store.Put(context.Background(), "run-1", cp), ErrIncompatible)
}

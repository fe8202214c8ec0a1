package bundle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/pkg/checkpoint"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/ledger"
)

func testExport(t *testing.T) Export {
	t.Helper()
	lg := ledger.New()
	_, err := lg.Append(ledger.TypePlanSelected, map[string]any{"plan_id": "p-1"})
	require.NoError(t, err)
	_, err = lg.Append(ledger.TypeTaskEnd, map[string]any{"task_id": "t1"})
	require.NoError(t, err)

	plan := contracts.Plan{
		ID:    "p-1",
		Tasks: []contracts.Task{{ID: "t1", CapabilityRef: "cap.fetch"}},
	}
	cp, err := checkpoint.New("run-1", checkpoint.State{
		Goal: contracts.Goal{ID: "g-1", Intent: "fetch the feed"},
		Plan: plan,
	})
	require.NoError(t, err)

	return Export{
		RunID:   "run-1",
		Goal:    contracts.Goal{ID: "g-1", Intent: "fetch the feed"},
		Context: contracts.ContextPacket{ID: "c-1", Facts: map[string]any{"url": "https://example.com"}},
		Plans: []PlanRecord{
			{Selected: true, Plan: plan},
			{Plan: contracts.Plan{ID: "p-2", Tasks: []contracts.Task{{ID: "t1", CapabilityRef: "cap.other"}}}},
		},
		Planner:     map[string]any{"rationale": "single fetch suffices"},
		Ledger:      lg.Entries(),
		TaskIO:      []TaskIO{{TaskID: "t1", Input: map[string]any{"url": "https://example.com"}, Output: map[string]any{"ok": true}}},
		Checkpoints: []checkpoint.Checkpoint{cp},
	}
}

func TestWriteValidateLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	export := testExport(t)
	require.NoError(t, Write(dir, export))
	require.NoError(t, Validate(dir))

	b, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, export.Goal, b.Goal)
	require.Equal(t, "c-1", b.Context.ID)
	require.Len(t, b.Plans, 2)
	require.Len(t, b.Ledger, 2)
	require.Len(t, b.Checkpoints, 1)

	selected, ok := b.SelectedPlan()
	require.True(t, ok)
	require.Equal(t, "p-1", selected.ID)

	io, ok := b.TaskIO["t1"]
	require.True(t, ok)
	require.Equal(t, map[string]any{"ok": true}, io.Output)

	var plannerDoc map[string]any
	require.NoError(t, json.Unmarshal(b.Planner, &plannerDoc))
	require.Equal(t, "single fetch suffices", plannerDoc["rationale"])
}

func TestValidateDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, testExport(t)))

	path := filepath.Join(dir, "goal.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"g-1","intent":"something else"}`), 0o644))
	require.ErrorContains(t, Validate(dir), "goal.json digest mismatch")
}

func TestValidateDetectsBrokenLedgerChain(t *testing.T) {
	dir := t.TempDir()
	export := testExport(t)
	export.Ledger[1].Details["task_id"] = "forged"
	require.NoError(t, Write(dir, export))
	require.ErrorContains(t, Validate(dir), "digest")
}

func TestValidateRejectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, testExport(t)))
	require.NoError(t, os.Remove(filepath.Join(dir, "planner.json")))
	require.Error(t, Validate(dir))
}

func TestValidateRejectsMajorVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, testExport(t)))

	manifest, err := readManifest(dir)
	require.NoError(t, err)
	manifest.SchemaVersion = "2.0.0"
	payload, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), payload, 0o644))
	require.ErrorContains(t, Validate(dir), "schema major")
}

func TestPackUnpackRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, Write(src, testExport(t)))

	archive, err := Pack(src)
	require.NoError(t, err)
	require.NotEmpty(t, archive)

	dst := t.TempDir()
	require.NoError(t, Unpack(archive, dst))
	require.NoError(t, Validate(dst))
}

func TestMemoryArchiveStore(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	require.NoError(t, Write(src, testExport(t)))

	store := NewMemoryArchiveStore()
	require.NoError(t, Archive(ctx, store, "run-1", src))

	dst := t.TempDir()
	require.NoError(t, Restore(ctx, store, "run-1", dst))
	require.NoError(t, Validate(dst))

	_, err := store.Get(ctx, "missing")
	require.ErrorContains(t, err, "no archive")
}

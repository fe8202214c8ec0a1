package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelframework/keel/pkg/bundle"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/ledger"
)

func writeTestBundle(t *testing.T) string {
	t.Helper()
	lg := ledger.New()
	_, err := lg.Append(ledger.TypePlanSelected, map[string]any{"plan_id": "p-1"})
	require.NoError(t, err)
	_, err = lg.Append(ledger.TypeGoalSummary, map[string]any{"summary": "done"})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "run-1")
	require.NoError(t, bundle.Write(dir, bundle.Export{
		RunID:   "run-1",
		Goal:    contracts.Goal{ID: "g-1", Intent: "process the batch"},
		Context: contracts.ContextPacket{ID: "c-1", Facts: map[string]any{"batch": "b-42"}},
		Plans: []bundle.PlanRecord{{Selected: true, Plan: contracts.Plan{
			ID:    "p-1",
			Tasks: []contracts.Task{{ID: "t1", CapabilityRef: "cap.echo"}},
		}}},
		Planner: map[string]any{"rationale": "single step"},
		Ledger:  lg.Entries(),
		TaskIO:  []bundle.TaskIO{{TaskID: "t1", Output: map[string]any{"ok": true}}},
	}))
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"keel"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVerifyValidBundle(t *testing.T) {
	dir := writeTestBundle(t)
	code, stdout, _ := run("verify", "--bundle", dir)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Bundle verified")
	require.Contains(t, stdout, "run-1")
}

func TestVerifyJSONOutput(t *testing.T) {
	dir := writeTestBundle(t)
	code, stdout, _ := run("verify", "--bundle", dir, "--json")
	require.Equal(t, 0, code)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	require.Equal(t, true, result["valid"])
	require.Equal(t, "run-1", result["run_id"])
}

func TestVerifyMissingBundleFlag(t *testing.T) {
	code, _, stderr := run("verify")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "--bundle is required")
}

func TestVerifyCorruptBundle(t *testing.T) {
	dir := writeTestBundle(t)
	require.NoError(t, tamper(dir))
	code, _, stderr := run("verify", "--bundle", dir)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Verification failed")
}

func tamper(dir string) error {
	path := filepath.Join(dir, "goal.json")
	return os.WriteFile(path, []byte(`{"id":"g-x","intent":"tampered"}`), 0o644)
}

func TestReplaySummarizesRun(t *testing.T) {
	dir := writeTestBundle(t)
	code, stdout, _ := run("replay", "--bundle", dir)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Run run-1")
	require.Contains(t, stdout, "process the batch")
	require.Contains(t, stdout, "PLAN_SELECTED")
	require.Contains(t, stdout, "Summary:     done")
}

func TestReplayJSONOutput(t *testing.T) {
	dir := writeTestBundle(t)
	code, stdout, _ := run("replay", "--bundle", dir, "--json")
	require.Equal(t, 0, code)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	require.Equal(t, "p-1", result["plan_id"])
	require.Equal(t, "done", result["goal_summary"])
	require.Equal(t, float64(1), result["tasks"])
}

func TestPackRoundTrip(t *testing.T) {
	dir := writeTestBundle(t)
	archive := filepath.Join(t.TempDir(), "run-1.tar.gz")

	code, stdout, _ := run("pack", "create", "--bundle", dir, "--out", archive)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Packed")

	code, stdout, _ = run("pack", "verify", "--in", archive)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Archive verified")
}

func TestCheckpointsMemoryBackendEmpty(t *testing.T) {
	t.Setenv("KEEL_CHECKPOINT_BACKEND", "memory")
	code, stdout, _ := run("checkpoints", "--run", "run-1")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "No checkpoints")
}

func TestDoctorReportsBackend(t *testing.T) {
	t.Setenv("KEEL_CHECKPOINT_BACKEND", "fs")
	t.Setenv("KEEL_CHECKPOINT_DIR", t.TempDir())
	code, stdout, _ := run("doctor")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Config OK")
	require.Contains(t, stdout, `backend "fs" reachable`)
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := run("frobnicate")
	require.Equal(t, 2, code)
	require.True(t, strings.Contains(stderr, "Unknown command"))
}

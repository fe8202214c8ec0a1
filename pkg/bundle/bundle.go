// Package bundle exports a completed (or failed) run as a portable replay
// artifact: goal, context, candidate plans, planner record, ledger, per-task
// I/O, and checkpoints, sealed by a manifest whose digest covers every file.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/keelframework/keel/pkg/canonicalize"
	"github.com/keelframework/keel/pkg/checkpoint"
	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/ledger"
)

// SchemaVersion is the bundle layout version. Only the major component is
// enforced on load.
const SchemaVersion = "1.0.0"

// Required files; plans/, task-io/, and checkpoints/ contents vary per run.
const (
	manifestFile  = "manifest.json"
	goalFile      = "goal.json"
	contextFile   = "context.json"
	plannerFile   = "planner.json"
	ledgerFile    = "ledger.jsonl"
	plansDir      = "plans"
	taskIODir     = "task-io"
	checkpointDir = "checkpoints"
)

// Manifest seals the bundle: every exported file path mapped to its content
// digest, plus a digest over the canonical form of that mapping.
type Manifest struct {
	SchemaVersion string            `json:"schema_version"`
	RunID         string            `json:"run_id"`
	Digest        string            `json:"digest"`
	Files         map[string]string `json:"files"`
}

// PlanRecord is a candidate plan with its selection mark.
type PlanRecord struct {
	Selected bool           `json:"selected"`
	Plan     contracts.Plan `json:"plan"`
}

// TaskIO is the recorded input/output of one executed task.
type TaskIO struct {
	TaskID string         `json:"task_id"`
	Input  map[string]any `json:"input,omitempty"`
	Output any            `json:"output,omitempty"`
}

// Export is everything a bundle captures.
type Export struct {
	RunID       string
	Goal        contracts.Goal
	Context     contracts.ContextPacket
	Plans       []PlanRecord
	Planner     any // planner.Result, kept opaque to avoid a dependency edge
	Ledger      []ledger.Entry
	TaskIO      []TaskIO
	Checkpoints []checkpoint.Checkpoint
}

// Bundle is the in-memory view reconstructed by Load.
type Bundle struct {
	Manifest    Manifest
	Goal        contracts.Goal
	Context     contracts.ContextPacket
	Plans       []PlanRecord
	Planner     json.RawMessage
	Ledger      []ledger.Entry
	TaskIO      map[string]TaskIO
	Checkpoints []checkpoint.Checkpoint
}

// SelectedPlan returns the plan marked selected at export time.
func (b *Bundle) SelectedPlan() (contracts.Plan, bool) {
	for _, rec := range b.Plans {
		if rec.Selected {
			return rec.Plan, true
		}
	}
	return contracts.Plan{}, false
}

// Write exports the bundle into dir, creating it if needed. The manifest is
// written last so a partially written directory never validates.
func Write(dir string, export Export) error {
	for _, sub := range []string{"", plansDir, taskIODir, checkpointDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("bundle: mkdir: %w", err)
		}
	}

	files := make(map[string]string)
	put := func(rel string, payload []byte) error {
		if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(rel)), payload, 0o644); err != nil {
			return fmt.Errorf("bundle: write %s: %w", rel, err)
		}
		files[rel] = canonicalize.HashBytes(payload)
		return nil
	}
	putJSON := func(rel string, v any) error {
		payload, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("bundle: marshal %s: %w", rel, err)
		}
		return put(rel, payload)
	}

	if err := putJSON(goalFile, export.Goal); err != nil {
		return err
	}
	if err := putJSON(contextFile, export.Context); err != nil {
		return err
	}
	if err := putJSON(plannerFile, export.Planner); err != nil {
		return err
	}
	for _, rec := range export.Plans {
		if err := putJSON(plansDir+"/"+rec.Plan.ID+".json", rec); err != nil {
			return err
		}
	}
	for _, io := range export.TaskIO {
		if err := putJSON(taskIODir+"/"+io.TaskID+".json", io); err != nil {
			return err
		}
	}
	for _, cp := range export.Checkpoints {
		if err := putJSON(checkpointDir+"/"+cp.ID+".json", cp); err != nil {
			return err
		}
	}

	var sb strings.Builder
	if err := ledger.WriteJSONL(&sb, export.Ledger); err != nil {
		return err
	}
	if err := put(ledgerFile, []byte(sb.String())); err != nil {
		return err
	}

	manifest := Manifest{
		SchemaVersion: SchemaVersion,
		RunID:         export.RunID,
		Digest:        filesDigest(files),
		Files:         files,
	}
	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), payload, 0o644); err != nil {
		return fmt.Errorf("bundle: write manifest: %w", err)
	}
	return nil
}

// filesDigest hashes the canonical (sorted) path-to-digest mapping. Pairs of
// strings always canonicalize, so the error path is unreachable.
func filesDigest(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	pairs := make([][2]string, 0, len(paths))
	for _, p := range paths {
		pairs = append(pairs, [2]string{p, files[p]})
	}
	digest, err := canonicalize.Digest(pairs)
	if err != nil {
		panic(fmt.Sprintf("bundle: manifest digest: %v", err))
	}
	return digest
}

// Validate checks the bundle at dir: required files present, every recorded
// file digest matches its content, the manifest digest matches the file
// mapping, the schema major version is current, and the ledger chain is
// intact.
func Validate(dir string) error {
	manifest, err := readManifest(dir)
	if err != nil {
		return err
	}
	if err := compatibleVersion(manifest.SchemaVersion); err != nil {
		return err
	}
	if got := filesDigest(manifest.Files); got != manifest.Digest {
		return fmt.Errorf("bundle: manifest digest mismatch: recorded %s, computed %s", manifest.Digest, got)
	}

	for _, required := range []string{goalFile, contextFile, plannerFile, ledgerFile} {
		if _, ok := manifest.Files[required]; !ok {
			return fmt.Errorf("bundle: manifest missing required file %s", required)
		}
	}

	for rel, want := range manifest.Files {
		payload, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("bundle: read %s: %w", rel, err)
		}
		if got := canonicalize.HashBytes(payload); got != want {
			return fmt.Errorf("bundle: %s digest mismatch", rel)
		}
	}

	entries, err := readLedger(dir)
	if err != nil {
		return err
	}
	if err := ledger.ValidateEntries(entries); err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	return nil
}

// Load validates and reconstructs the bundle.
func Load(dir string) (*Bundle, error) {
	if err := Validate(dir); err != nil {
		return nil, err
	}
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}

	b := &Bundle{Manifest: manifest, TaskIO: make(map[string]TaskIO)}
	if err := readJSON(dir, goalFile, &b.Goal); err != nil {
		return nil, err
	}
	if err := readJSON(dir, contextFile, &b.Context); err != nil {
		return nil, err
	}
	if err := readJSON(dir, plannerFile, &b.Planner); err != nil {
		return nil, err
	}
	if b.Ledger, err = readLedger(dir); err != nil {
		return nil, err
	}

	for rel := range manifest.Files {
		switch {
		case strings.HasPrefix(rel, plansDir+"/"):
			var rec PlanRecord
			if err := readJSON(dir, rel, &rec); err != nil {
				return nil, err
			}
			b.Plans = append(b.Plans, rec)
		case strings.HasPrefix(rel, taskIODir+"/"):
			var io TaskIO
			if err := readJSON(dir, rel, &io); err != nil {
				return nil, err
			}
			b.TaskIO[io.TaskID] = io
		case strings.HasPrefix(rel, checkpointDir+"/"):
			var cp checkpoint.Checkpoint
			if err := readJSON(dir, rel, &cp); err != nil {
				return nil, err
			}
			b.Checkpoints = append(b.Checkpoints, cp)
		}
	}
	sort.Slice(b.Plans, func(i, j int) bool { return b.Plans[i].Plan.ID < b.Plans[j].Plan.ID })
	sort.Slice(b.Checkpoints, func(i, j int) bool { return b.Checkpoints[i].TS < b.Checkpoints[j].TS })
	return b, nil
}

func readManifest(dir string) (Manifest, error) {
	var manifest Manifest
	if err := readJSON(dir, manifestFile, &manifest); err != nil {
		return Manifest{}, err
	}
	if manifest.SchemaVersion == "" || manifest.Files == nil {
		return Manifest{}, fmt.Errorf("bundle: malformed manifest")
	}
	return manifest, nil
}

func readLedger(dir string) ([]ledger.Entry, error) {
	f, err := os.Open(filepath.Join(dir, ledgerFile))
	if err != nil {
		return nil, fmt.Errorf("bundle: open ledger: %w", err)
	}
	defer f.Close()
	return ledger.ReadJSONL(f)
}

func readJSON(dir, rel string, v any) error {
	payload, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("bundle: read %s: %w", rel, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("bundle: decode %s: %w", rel, err)
	}
	return nil
}

func compatibleVersion(version string) error {
	current := semver.MustParse(SchemaVersion)
	got, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("bundle: bad schema version %q: %v", version, err)
	}
	if got.Major() != current.Major() {
		return fmt.Errorf("bundle: schema major %d, current %d", got.Major(), current.Major())
	}
	return nil
}

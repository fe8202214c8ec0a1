// Command keel is the offline tooling for replay bundles and checkpoints:
// it verifies bundle integrity, summarizes recorded runs, packs bundles for
// transport, and inspects the configured checkpoint backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/keelframework/keel/pkg/bundle"
	"github.com/keelframework/keel/pkg/checkpoint"
	"github.com/keelframework/keel/pkg/config"
	"github.com/keelframework/keel/pkg/ledger"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher, split out so tests can drive the CLI end to end.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "pack":
		return runPack(args[2:], stdout, stderr)
	case "checkpoints":
		return runCheckpoints(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: keel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  verify       Verify a replay bundle (--bundle, --json)")
	fmt.Fprintln(w, "  replay       Summarize a recorded run from its bundle (--bundle, --json)")
	fmt.Fprintln(w, "  pack         Pack or verify a bundle archive (create/verify)")
	fmt.Fprintln(w, "  checkpoints  List checkpoints for a run (--run, --json)")
	fmt.Fprintln(w, "  doctor       Check configuration and checkpoint backend")
	fmt.Fprintln(w, "  help         Show this help")
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	bundleDir := cmd.String("bundle", "", "Path to the bundle directory (REQUIRED)")
	jsonOut := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *bundleDir == "" {
		fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	if err := bundle.Validate(*bundleDir); err != nil {
		if *jsonOut {
			writeJSON(stdout, map[string]any{"bundle": *bundleDir, "valid": false, "error": err.Error()})
		} else {
			fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		}
		return 1
	}

	b, err := bundle.Load(*bundleDir)
	if err != nil {
		fmt.Fprintf(stderr, "Load failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		writeJSON(stdout, map[string]any{
			"bundle":     *bundleDir,
			"valid":      true,
			"run_id":     b.Manifest.RunID,
			"version":    b.Manifest.SchemaVersion,
			"file_count": len(b.Manifest.Files),
		})
	} else {
		fmt.Fprintf(stdout, "Bundle verified: %s\n", *bundleDir)
		fmt.Fprintf(stdout, "  Run:     %s\n", b.Manifest.RunID)
		fmt.Fprintf(stdout, "  Version: %s\n", b.Manifest.SchemaVersion)
		fmt.Fprintf(stdout, "  Files:   %d\n", len(b.Manifest.Files))
	}
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	bundleDir := cmd.String("bundle", "", "Path to the bundle directory (REQUIRED)")
	jsonOut := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *bundleDir == "" {
		fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	b, err := bundle.Load(*bundleDir)
	if err != nil {
		fmt.Fprintf(stderr, "Replay failed: %v\n", err)
		return 1
	}

	counts := map[string]int{}
	var goalSummary string
	for _, entry := range b.Ledger {
		counts[string(entry.Type)]++
		if entry.Type == ledger.TypeGoalSummary {
			if s, ok := entry.Details["summary"].(string); ok {
				goalSummary = s
			}
		}
	}
	selected, _ := b.SelectedPlan()

	if *jsonOut {
		writeJSON(stdout, map[string]any{
			"run_id":       b.Manifest.RunID,
			"plan_id":      selected.ID,
			"goal":         b.Goal.Intent,
			"entries":      len(b.Ledger),
			"entry_counts": counts,
			"tasks":        len(b.TaskIO),
			"checkpoints":  len(b.Checkpoints),
			"goal_summary": goalSummary,
		})
		return 0
	}

	fmt.Fprintf(stdout, "Run %s\n", b.Manifest.RunID)
	fmt.Fprintf(stdout, "  Goal:        %s\n", b.Goal.Intent)
	fmt.Fprintf(stdout, "  Plan:        %s\n", selected.ID)
	fmt.Fprintf(stdout, "  Tasks:       %d\n", len(b.TaskIO))
	fmt.Fprintf(stdout, "  Checkpoints: %d\n", len(b.Checkpoints))
	fmt.Fprintf(stdout, "  Entries:     %d\n", len(b.Ledger))
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(stdout, "    %-22s %d\n", t, counts[t])
	}
	if goalSummary != "" {
		fmt.Fprintf(stdout, "  Summary:     %s\n", goalSummary)
	}
	return 0
}

func runPack(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: keel pack <create|verify> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runPackCreate(args[1:], stdout, stderr)
	case "verify":
		return runPackVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown pack subcommand: %s\n", args[0])
		return 2
	}
}

func runPackCreate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("pack create", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	bundleDir := cmd.String("bundle", "", "Path to the bundle directory (REQUIRED)")
	outPath := cmd.String("out", "", "Output path for the tar.gz archive (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *bundleDir == "" || *outPath == "" {
		fmt.Fprintln(stderr, "Error: --bundle and --out are required")
		cmd.Usage()
		return 2
	}

	if err := bundle.Validate(*bundleDir); err != nil {
		fmt.Fprintf(stderr, "Refusing to pack an invalid bundle: %v\n", err)
		return 1
	}
	data, err := bundle.Pack(*bundleDir)
	if err != nil {
		fmt.Fprintf(stderr, "Pack failed: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		fmt.Fprintf(stderr, "Write failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Packed %s (%d bytes)\n", *outPath, len(data))
	return 0
}

func runPackVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("pack verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	inPath := cmd.String("in", "", "Path to the tar.gz archive (REQUIRED)")
	jsonOut := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *inPath == "" {
		fmt.Fprintln(stderr, "Error: --in is required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(*inPath)
	if err != nil {
		fmt.Fprintf(stderr, "Read failed: %v\n", err)
		return 1
	}
	dir, err := os.MkdirTemp("", "keel-pack-*")
	if err != nil {
		fmt.Fprintf(stderr, "Tempdir failed: %v\n", err)
		return 1
	}
	defer os.RemoveAll(dir)

	if err := bundle.Unpack(data, dir); err != nil {
		fmt.Fprintf(stderr, "Unpack failed: %v\n", err)
		return 1
	}
	if err := bundle.Validate(dir); err != nil {
		if *jsonOut {
			writeJSON(stdout, map[string]any{"archive": *inPath, "valid": false, "error": err.Error()})
		} else {
			fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		}
		return 1
	}
	if *jsonOut {
		writeJSON(stdout, map[string]any{"archive": *inPath, "valid": true})
	} else {
		fmt.Fprintf(stdout, "Archive verified: %s\n", *inPath)
	}
	return 0
}

func runCheckpoints(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	runID := cmd.String("run", "", "Run ID to list checkpoints for (REQUIRED)")
	jsonOut := cmd.Bool("json", false, "Output result as JSON")
	profile := cmd.String("profile", "", "Optional YAML profile overlaying the environment config")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *runID == "" {
		fmt.Fprintln(stderr, "Error: --run is required")
		cmd.Usage()
		return 2
	}

	cfg, err := loadConfig(*profile)
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Checkpoint backend error: %v\n", err)
		return 1
	}

	metas, err := store.List(context.Background(), *runID)
	if err != nil {
		fmt.Fprintf(stderr, "List failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		writeJSON(stdout, map[string]any{"run_id": *runID, "checkpoints": metas})
		return 0
	}
	if len(metas) == 0 {
		fmt.Fprintf(stdout, "No checkpoints for run %s\n", *runID)
		return 0
	}
	for _, meta := range metas {
		ts := time.UnixMilli(meta.TS).UTC().Format(time.RFC3339)
		fmt.Fprintf(stdout, "%s  %s  v%s\n", meta.ID, ts, meta.Version)
	}
	return 0
}

func runDoctor(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	profile := cmd.String("profile", "", "Optional YAML profile overlaying the environment config")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*profile)
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config OK (backend=%s, interval=%d, keep_last=%d)\n",
		cfg.CheckpointBackend, cfg.CheckpointInterval, cfg.CheckpointKeepLast)

	if _, err := openStore(cfg); err != nil {
		fmt.Fprintf(stderr, "Checkpoint backend error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Checkpoint backend %q reachable\n", cfg.CheckpointBackend)
	return 0
}

func loadConfig(profile string) (*config.Config, error) {
	if profile != "" {
		return config.LoadProfile(profile)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore maps the configured backend to a checkpoint store.
func openStore(cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.CheckpointBackend {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "fs":
		return checkpoint.NewFSStore(cfg.CheckpointDir)
	case "sqlite":
		return checkpoint.OpenSQLiteStore(cfg.CheckpointDSN)
	case "postgres":
		return checkpoint.OpenPostgresStore(cfg.CheckpointDSN)
	case "redis":
		opts, err := redis.ParseURL(cfg.CheckpointDSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return checkpoint.NewRedisStore(redis.NewClient(opts), "keel"), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

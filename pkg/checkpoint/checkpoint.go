// Package checkpoint persists execution snapshots so interrupted runs can
// resume. Checkpoints carry a semver schema version; only the major version
// is enforced for compatibility.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/keelframework/keel/pkg/contracts"
	"github.com/keelframework/keel/pkg/ledger"
)

// SchemaVersion is the current checkpoint schema.
const SchemaVersion = "1.0.0"

// ErrNotFound is returned when no checkpoint matches.
var ErrNotFound = errors.New("checkpoint: not found")

// ErrIncompatible is returned for major-version mismatches or structurally
// invalid payloads.
var ErrIncompatible = errors.New("checkpoint: incompatible")

// State is the deep, serializable snapshot of a run.
type State struct {
	Goal     contracts.Goal          `json:"goal"`
	Context  contracts.ContextPacket `json:"context"`
	Plan     contracts.Plan          `json:"plan"`
	Outputs  map[string]any          `json:"outputs"`
	Executed []string                `json:"executed"`
	Ledger   []ledger.Entry          `json:"ledger"`
	Metrics  contracts.RunMetrics    `json:"metrics"`
}

// Checkpoint is a versioned snapshot document.
type Checkpoint struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id"`
	TS      int64  `json:"ts"` // milliseconds since epoch
	Version string `json:"version"`
	State   State  `json:"state"`
}

// Meta is the listing view of a stored checkpoint.
type Meta struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id"`
	TS      int64  `json:"ts"`
	Version string `json:"version"`
}

// New builds a checkpoint for runID from a state snapshot. The state is
// deep-cloned so later scheduler mutations cannot leak in.
func New(runID string, state State) (Checkpoint, error) {
	cloned, err := cloneState(state)
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{
		ID:      uuid.NewString(),
		RunID:   runID,
		TS:      time.Now().UnixMilli(),
		Version: SchemaVersion,
		State:   cloned,
	}, nil
}

func cloneState(state State) (State, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return State{}, fmt.Errorf("checkpoint: state marshal: %w", err)
	}
	var out State
	if err := json.Unmarshal(raw, &out); err != nil {
		return State{}, fmt.Errorf("checkpoint: state unmarshal: %w", err)
	}
	return out, nil
}

// Validate rejects checkpoints with missing required fields or an
// incompatible major version.
func Validate(cp Checkpoint) error {
	if cp.ID == "" || cp.RunID == "" || cp.Version == "" {
		return fmt.Errorf("%w: missing required fields", ErrIncompatible)
	}
	if cp.State.Plan.ID == "" {
		return fmt.Errorf("%w: snapshot has no plan", ErrIncompatible)
	}
	return CompatibleVersion(cp.Version)
}

// CompatibleVersion checks a checkpoint's schema version against the
// current one; only the major component is enforced.
func CompatibleVersion(version string) error {
	current := semver.MustParse(SchemaVersion)
	got, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrIncompatible, version, err)
	}
	if got.Major() != current.Major() {
		return fmt.Errorf("%w: schema major %d, current %d", ErrIncompatible, got.Major(), current.Major())
	}
	return nil
}

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore persists checkpoints as <base>/<runID>/<checkpointID>.json.
type FSStore struct {
	base string
}

// NewFSStore creates the base directory if needed.
func NewFSStore(base string) (*FSStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: ensure base dir: %w", err)
	}
	return &FSStore{base: base}, nil
}

func (s *FSStore) runDir(runID string) string {
	return filepath.Join(s.base, runID)
}

func (s *FSStore) Put(_ context.Context, runID string, cp Checkpoint) error {
	if err := Validate(cp); err != nil {
		return err
	}
	dir := s.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: ensure run dir: %w", err)
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	path := filepath.Join(dir, cp.ID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, runID, id string) (Checkpoint, error) {
	if id == "" {
		metas, err := s.List(ctx, runID)
		if err != nil {
			return Checkpoint{}, err
		}
		if len(metas) == 0 {
			return Checkpoint{}, ErrNotFound
		}
		id = metas[0].ID
	}
	raw, err := os.ReadFile(filepath.Join(s.runDir(runID), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if err := Validate(cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (s *FSStore) List(_ context.Context, runID string) ([]Meta, error) {
	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	var metas []Meta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.runDir(runID), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: read %s: %w", entry.Name(), err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", entry.Name(), err)
		}
		metas = append(metas, Meta{ID: cp.ID, RunID: cp.RunID, TS: cp.TS, Version: cp.Version})
	}
	sortMetasNewestFirst(metas)
	return metas, nil
}

func (s *FSStore) Prune(ctx context.Context, runID string, keepLast int) error {
	if keepLast < 0 {
		return nil
	}
	metas, err := s.List(ctx, runID)
	if err != nil {
		return err
	}
	if len(metas) <= keepLast {
		return nil
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].TS > metas[j].TS })
	for _, meta := range metas[keepLast:] {
		path := filepath.Join(s.runDir(runID), meta.ID+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: prune %s: %w", path, err)
		}
	}
	return nil
}

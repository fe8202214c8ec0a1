package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// Store is the pluggable persistence contract for checkpoints.
type Store interface {
	// Put persists a checkpoint for runID.
	Put(ctx context.Context, runID string, cp Checkpoint) error
	// Get returns the checkpoint with the given id, or the latest for the
	// run when id is empty.
	Get(ctx context.Context, runID, id string) (Checkpoint, error)
	// List returns metadata for the run's checkpoints, newest first.
	List(ctx context.Context, runID string) ([]Meta, error)
	// Prune keeps the keepLast most recent checkpoints by timestamp.
	Prune(ctx context.Context, runID string, keepLast int) error
}

// MemoryStore keeps checkpoints in process memory, for tests and
// single-shot runs.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]Checkpoint)}
}

func (s *MemoryStore) Put(_ context.Context, runID string, cp Checkpoint) error {
	if err := Validate(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = append(s.runs[runID], cp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID, id string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.runs[runID]
	if len(cps) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	if id == "" {
		latest := cps[0]
		for _, cp := range cps[1:] {
			if cp.TS >= latest.TS {
				latest = cp
			}
		}
		return latest, nil
	}
	for _, cp := range cps {
		if cp.ID == id {
			return cp, nil
		}
	}
	return Checkpoint{}, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, runID string) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]Meta, 0, len(s.runs[runID]))
	for _, cp := range s.runs[runID] {
		metas = append(metas, Meta{ID: cp.ID, RunID: cp.RunID, TS: cp.TS, Version: cp.Version})
	}
	sortMetasNewestFirst(metas)
	return metas, nil
}

func (s *MemoryStore) Prune(_ context.Context, runID string, keepLast int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.runs[runID]
	if keepLast < 0 || len(cps) <= keepLast {
		return nil
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].TS > cps[j].TS })
	s.runs[runID] = append([]Checkpoint{}, cps[:keepLast]...)
	return nil
}

func sortMetasNewestFirst(metas []Meta) {
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].TS != metas[j].TS {
			return metas[i].TS > metas[j].TS
		}
		return metas[i].ID > metas[j].ID
	})
}

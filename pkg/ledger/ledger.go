// Package ledger implements the append-only decision ledger.
//
//   - Entries carry monotonic integer IDs and wall-clock timestamps
//   - Each entry's digest covers {id, ts, type, details}
//   - Append-only; no deletions or in-place mutation
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/keelframework/keel/pkg/canonicalize"
)

// EntryType categorizes a ledger entry.
type EntryType string

const (
	TypePlanSelected        EntryType = "PLAN_SELECTED"
	TypeGuardEval           EntryType = "GUARD_EVAL"
	TypeTaskStart           EntryType = "TASK_START"
	TypeTaskEnd             EntryType = "TASK_END"
	TypePolicyPre           EntryType = "POLICY_PRE"
	TypePolicyPost          EntryType = "POLICY_POST"
	TypeVerification        EntryType = "VERIFICATION"
	TypeToolCall            EntryType = "TOOL_CALL"
	TypeNucleusInference    EntryType = "NUCLEUS_INFERENCE"
	TypeContextInternalized EntryType = "CONTEXT_INTERNALIZED"
	TypeGoalSummary         EntryType = "GOAL_SUMMARY"
	TypeError               EntryType = "ERROR"
	TypeBranchTaken         EntryType = "BRANCH_TAKEN"
	TypeCompensation        EntryType = "COMPENSATION"
)

// Entry is an immutable ledger record.
type Entry struct {
	ID      int64          `json:"id"`
	TS      int64          `json:"ts"` // milliseconds since epoch
	Type    EntryType      `json:"type"`
	Details map[string]any `json:"details"`
	Digest  string         `json:"digest,omitempty"`
}

// digestBody is the exact shape hashed into Entry.Digest.
type digestBody struct {
	ID      int64          `json:"id"`
	TS      int64          `json:"ts"`
	Type    EntryType      `json:"type"`
	Details map[string]any `json:"details"`
}

func computeDigest(e Entry) (string, error) {
	return canonicalize.Digest(digestBody{ID: e.ID, TS: e.TS, Type: e.Type, Details: e.Details})
}

// Ledger is an append-only ordered sequence of entries.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
	clock   func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{nextID: 1, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append adds a digested entry and returns it.
func (l *Ledger) Append(t EntryType, details map[string]any) (Entry, error) {
	return l.append(t, details, true)
}

// AppendUndigested adds an entry without a content digest. Validate skips
// digest-less entries, so this is reserved for advisory notes.
func (l *Ledger) AppendUndigested(t EntryType, details map[string]any) (Entry, error) {
	return l.append(t, details, false)
}

func (l *Ledger) append(t EntryType, details map[string]any, digest bool) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:      l.nextID,
		TS:      l.clock().UnixMilli(),
		Type:    t,
		Details: details,
	}
	if digest {
		d, err := computeDigest(entry)
		if err != nil {
			return Entry{}, fmt.Errorf("ledger: digest failed: %w", err)
		}
		entry.Digest = d
	}
	l.entries = append(l.entries, entry)
	l.nextID++
	return entry, nil
}

// Entries returns a snapshot copy of all entries.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// EntriesByType returns a snapshot of entries matching t, in order.
func (l *Ledger) EntriesByType(t EntryType) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Validate recomputes every digest-bearing entry's digest and checks that
// IDs are strictly increasing. It fails on the first mismatch.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ValidateEntries(l.entries)
}

// ValidateEntries checks an entry slice outside a live ledger, e.g. after
// reading a ledger.jsonl from a replay bundle.
func ValidateEntries(entries []Entry) error {
	var prevID int64
	for i, e := range entries {
		if e.ID <= prevID {
			return fmt.Errorf("ledger: entry %d: id %d not strictly increasing (prev %d)", i, e.ID, prevID)
		}
		prevID = e.ID
		if e.Digest == "" {
			continue
		}
		computed, err := computeDigest(e)
		if err != nil {
			return fmt.Errorf("ledger: entry %d: digest recompute failed: %w", e.ID, err)
		}
		if computed != e.Digest {
			return fmt.Errorf("ledger: entry %d: digest mismatch", e.ID)
		}
	}
	return nil
}

// Restore seeds an empty ledger with previously recorded entries, used when
// resuming from a checkpoint. Restoring onto a non-empty ledger violates
// append-only ownership and is rejected.
func (l *Ledger) Restore(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 0 {
		return fmt.Errorf("ledger: restore onto non-empty ledger (%d entries)", len(l.entries))
	}
	if err := ValidateEntries(entries); err != nil {
		return err
	}
	l.entries = make([]Entry, len(entries))
	copy(l.entries, entries)
	l.nextID = 1
	if n := len(entries); n > 0 {
		l.nextID = entries[n-1].ID + 1
	}
	return nil
}

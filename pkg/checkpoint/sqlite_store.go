package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists checkpoints in a SQLite database, one row per
// checkpoint with the full document as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a database file and migrates it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		version TEXT NOT NULL,
		document JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_run_ts ON checkpoints(run_id, ts);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, runID string, cp Checkpoint) error {
	if err := Validate(cp); err != nil {
		return err
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, ts, version, document) VALUES (?, ?, ?, ?, ?)`,
		cp.ID, runID, cp.TS, cp.Version, string(raw))
	if err != nil {
		return fmt.Errorf("checkpoint: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, runID, id string) (Checkpoint, error) {
	var row *sql.Row
	if id == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT document FROM checkpoints WHERE run_id = ? ORDER BY ts DESC, id DESC LIMIT 1`, runID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT document FROM checkpoints WHERE run_id = ? AND id = ?`, runID, id)
	}
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: query: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(doc), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if err := Validate(cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (s *SQLiteStore) List(ctx context.Context, runID string) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, ts, version FROM checkpoints WHERE run_id = ? ORDER BY ts DESC, id DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()
	var metas []Meta
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.ID, &m.RunID, &m.TS, &m.Version); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, runID string, keepLast int) error {
	if keepLast < 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE run_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE run_id = ? ORDER BY ts DESC, id DESC LIMIT ?
		)`, runID, runID, keepLast)
	if err != nil {
		return fmt.Errorf("checkpoint: prune: %w", err)
	}
	return nil
}

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists checkpoints in PostgreSQL. Schema mirrors the
// SQLite store so the two stay interchangeable behind Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore migrates the schema and returns the store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgresStore connects with a lib/pq DSN and migrates.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open postgres: %w", err)
	}
	return NewPostgresStore(db)
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		version TEXT NOT NULL,
		document JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_run_ts ON checkpoints(run_id, ts);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, runID string, cp Checkpoint) error {
	if err := Validate(cp); err != nil {
		return err
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, ts, version, document) VALUES ($1, $2, $3, $4, $5)`,
		cp.ID, runID, cp.TS, cp.Version, raw)
	if err != nil {
		return fmt.Errorf("checkpoint: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, runID, id string) (Checkpoint, error) {
	var row *sql.Row
	if id == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT document FROM checkpoints WHERE run_id = $1 ORDER BY ts DESC, id DESC LIMIT 1`, runID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT document FROM checkpoints WHERE run_id = $1 AND id = $2`, runID, id)
	}
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: query: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(doc, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if err := Validate(cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (s *PostgresStore) List(ctx context.Context, runID string) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, ts, version FROM checkpoints WHERE run_id = $1 ORDER BY ts DESC, id DESC`, runID)
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

func (s *PostgresStore) Prune(ctx context.Context, runID string, keepLast int) error {
	if keepLast < 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE run_id = $1 AND id NOT IN (
			SELECT id FROM checkpoints WHERE run_id = $1 ORDER BY ts DESC, id DESC LIMIT $2
		)`, runID, keepLast)
	if err != nil {
		return fmt.Errorf("checkpoint: prune: %w", err)
	}
	return nil
}

package checkpoint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorePut(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	cp, err := New("run-1", testState())
	require.NoError(t, err)
	raw, err := json.Marshal(cp)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO checkpoints`).
		WithArgs(cp.ID, "run-1", cp.TS, cp.Version, raw).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := &PostgresStore{db: db}
	require.NoError(t, store.Put(context.Background(), "run-1", cp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetLatest(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	cp, err := New("run-1", testState())
	require.NoError(t, err)
	raw, err := json.Marshal(cp)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT document FROM checkpoints WHERE run_id = \$1 ORDER BY ts DESC`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(raw))

	store := &PostgresStore{db: db}
	got, err := store.Get(context.Background(), "run-1", "")
	require.NoError(t, err)
	require.Equal(t, cp.ID, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT document FROM checkpoints WHERE run_id = \$1 AND id = \$2`).
		WithArgs("run-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"document"}))

	store := &PostgresStore{db: db}
	_, err = store.Get(context.Background(), "run-1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreList(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, run_id, ts, version FROM checkpoints`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "ts", "version"}).
			AddRow("cp-2", "run-1", int64(2000), SchemaVersion).
			AddRow("cp-1", "run-1", int64(1000), SchemaVersion))

	store := &PostgresStore{db: db}
	metas, err := store.List(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, "cp-2", metas[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

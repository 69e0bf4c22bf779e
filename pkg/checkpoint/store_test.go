package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	first := Record{SessionID: "sess_1", Step: "CANDIDATE", State: json.RawMessage(`{"next":"CANDIDATE"}`), UpdatedAt: time.Unix(100, 0).UTC()}
	require.NoError(t, s.Save(ctx, first))

	second := Record{SessionID: "sess_1", Step: "DONE", State: json.RawMessage(`{"next":"DONE"}`), UpdatedAt: time.Unix(200, 0).UTC()}
	require.NoError(t, s.Save(ctx, second))
	require.NoError(t, s.Save(ctx, Record{SessionID: "sess_2", Step: "INTENT", State: json.RawMessage(`{}`), UpdatedAt: time.Unix(150, 0).UTC()}))

	got, err := s.Load(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "DONE", got.Step)
	assert.JSONEq(t, `{"next":"DONE"}`, string(got.State))
	assert.True(t, second.UpdatedAt.Equal(got.UpdatedAt))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "sess_1", infos[0].SessionID)

	require.NoError(t, s.Delete(ctx, "sess_1"))
	_, err = s.Load(ctx, "sess_1")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Error(t, s.Save(ctx, Record{Step: "INTENT", State: json.RawMessage(`{}`)}))
	assert.Error(t, s.Save(ctx, Record{SessionID: "x"}))
}

func TestBoltStore(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestBoltStoreHistory(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, step := range []string{"CANDIDATE", "VERIFY", "PLAN"} {
		require.NoError(t, s.Save(ctx, Record{SessionID: "s", Step: step, State: json.RawMessage(`{}`)}))
	}
	hist, err := s.History("s")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "CANDIDATE", hist[0].Step)
	assert.Equal(t, "PLAN", hist[2].Step)

	empty, err := s.History("other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQL(DialectSQLite, filepath.Join(t.TempDir(), "cp.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(Config{Driver: "bolt", DSN: filepath.Join(t.TempDir(), "a.db")})
	require.NoError(t, err)
	_, ok := s.(*BoltStore)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	_, err = Open(Config{Driver: "mongo"})
	assert.Error(t, err)

	_, err = Open(Config{Driver: DialectPostgres})
	assert.Error(t, err, "postgres needs a dsn")
}

func TestPostgresDialectQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLStore(db, DialectPostgres)
	require.NoError(t, err)

	updated := time.Unix(300, 0).UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints (session_id, step, state, updated_at) VALUES ($1, $2, $3, $4)")).
		WithArgs("sess_pg", "PLAN", `{"a":1}`, updated.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Save(context.Background(), Record{SessionID: "sess_pg", Step: "PLAN", State: json.RawMessage(`{"a":1}`), UpdatedAt: updated}))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT session_id, step, state, updated_at FROM checkpoints WHERE session_id = $1")).
		WithArgs("sess_pg").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "step", "state", "updated_at"}).
			AddRow("sess_pg", "PLAN", `{"a":1}`, updated.UnixNano()))
	rec, err := s.Load(context.Background(), "sess_pg")
	require.NoError(t, err)
	assert.Equal(t, "PLAN", rec.Step)
	assert.True(t, updated.Equal(rec.UpdatedAt))

	mock.ExpectQuery(regexp.QuoteMeta("WHERE session_id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "step", "state", "updated_at"}))
	_, err = s.Load(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE session_id = $1")).
		WithArgs("sess_pg").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(context.Background(), "sess_pg"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

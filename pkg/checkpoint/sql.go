package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported SQL dialects. The values double as database/sql driver names.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	step TEXT NOT NULL,
	state TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// SQLStore is a Store over database/sql for sqlite and postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQL opens a database with the dialect's driver and prepares the schema.
func OpenSQL(dialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("checkpoint: %s dsn is required", dialect)
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and creates the table if missing.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	q := s.rebind(`INSERT INTO checkpoints (session_id, step, state, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET step = excluded.step, state = excluded.state, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, rec.SessionID, rec.Step, string(rec.State), rec.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, sessionID string) (Record, error) {
	q := s.rebind(`SELECT session_id, step, state, updated_at FROM checkpoints WHERE session_id = ?`)
	var (
		rec   Record
		state string
		nanos int64
	)
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(&rec.SessionID, &rec.Step, &state, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}
	rec.State = []byte(state)
	rec.UpdatedAt = time.Unix(0, nanos).UTC()
	return rec, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, step, updated_at FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			info  Info
			nanos int64
		)
		if err := rows.Scan(&info.SessionID, &info.Step, &nanos); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		info.UpdatedAt = time.Unix(0, nanos).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM checkpoints WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hwselftest/pkg/model"
)

type sqliteStore struct {
	db *sql.DB
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS runs(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client TEXT,
	results_type TEXT,
	started_at INTEGER,
	finished_at INTEGER,
	final INTEGER,
	executed INTEGER,
	payload TEXT,
	created_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);`

// openSQLite accepts a plain path or a file: DSN.
func openSQLite(dsn string) (*sqliteStore, error) {
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
		dsn = "file:" + dsn + "?_pragma=busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) insert(ctx context.Context, rec *model.RunRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(client, results_type, started_at, finished_at, final, executed, payload, created_at) VALUES(?,?,?,?,?,?,?,?)`,
		rec.Client, rec.ResultsType, rec.StartedAt.Unix(), rec.FinishedAt.Unix(), rec.Final, rec.Executed, rec.Payload, rec.CreatedAt.Unix())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		rec.ID = uint(id)
	}
	return nil
}

func (s *sqliteStore) recent(ctx context.Context, limit int) ([]model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client, results_type, started_at, finished_at, final, executed, payload, created_at FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RunRecord
	for rows.Next() {
		var (
			r                         model.RunRecord
			started, finished, create int64
		)
		if err := rows.Scan(&r.ID, &r.Client, &r.ResultsType, &started, &finished, &r.Final, &r.Executed, &r.Payload, &create); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.FinishedAt = time.Unix(finished, 0).UTC()
		r.CreatedAt = time.Unix(create, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) close() error { return s.db.Close() }

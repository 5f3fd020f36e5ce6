package metrics

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores every value as a row of the metrics table
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metrics(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			step INTEGER NOT NULL,
			key TEXT NOT NULL,
			value REAL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metrics table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Log(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	ts := float64(rec.Time.UnixNano()) / 1e9
	for _, key := range sortedKeys(rec.Values) {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO metrics(ts, run_id, kind, step, key, value) VALUES(?,?,?,?,?,?)",
			ts, rec.RunID, rec.Kind, rec.Step, key, rec.Values[key])
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert metric %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Count returns how many rows a run has logged under key
func (s *SQLiteSink) Count(ctx context.Context, runID, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM metrics WHERE run_id = ? AND key = ?", runID, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count metrics: %w", err)
	}
	return n, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

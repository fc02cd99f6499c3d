// Package manifest records the files written by each run in a SQLite
// database.
package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Record describes one output file.
type Record struct {
	RunID     string
	Label     string
	Season    string
	Statistic string
	Path      string
	Start     int
	End       int
	Members   []string
	WrittenAt time.Time
}

// Store is a SQLite-backed manifest.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS outputs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	label TEXT NOT NULL,
	season TEXT NOT NULL,
	statistic TEXT NOT NULL,
	path TEXT NOT NULL,
	t_start INTEGER,
	t_end INTEGER,
	members TEXT,
	written_at DATETIME NOT NULL,
	UNIQUE(run_id, path)
);
CREATE INDEX IF NOT EXISTS idx_outputs_run ON outputs(run_id);`

// Open opens or creates the manifest at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create manifest tables: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Add records an output. Recording the same path twice in a run replaces
// the earlier record.
func (s *Store) Add(ctx context.Context, r Record) error {
	if r.WrittenAt.IsZero() {
		r.WrittenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO outputs
			(run_id, label, season, statistic, path, t_start, t_end, members, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Label, r.Season, r.Statistic, r.Path, r.Start, r.End,
		strings.Join(r.Members, " "), r.WrittenAt.UTC())
	if err != nil {
		return fmt.Errorf("record %s: %w", r.Path, err)
	}
	return nil
}

// List returns the records of runID in insertion order, or of every run
// when runID is empty.
func (s *Store) List(ctx context.Context, runID string) ([]Record, error) {
	query := `SELECT run_id, label, season, statistic, path, t_start, t_end, members, written_at
		FROM outputs`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var members string
		if err := rows.Scan(&r.RunID, &r.Label, &r.Season, &r.Statistic, &r.Path, &r.Start, &r.End, &members, &r.WrittenAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		r.Members = strings.Fields(members)
		out = append(out, r)
	}
	return out, rows.Err()
}

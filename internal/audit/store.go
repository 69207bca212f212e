package audit

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TIMESTAMP NOT NULL,
	operation TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	risk TEXT NOT NULL DEFAULT '',
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	exit_code INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);
`

// Store is a SQLite-backed Recorder.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one entry. Audit failures are logged, never surfaced to
// the command path.
func (s *Store) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (at, operation, command, session_id, risk, allowed, reason, exit_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time, e.Operation, e.Command, e.SessionID, e.Risk, boolInt(e.Allowed), e.Reason, e.ExitCode,
	)
	if err != nil {
		log.Printf("audit: record failed: %v", err)
	}
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT at, operation, command, session_id, risk, allowed, reason, exit_code
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var allowed int
		if err := rows.Scan(&e.Time, &e.Operation, &e.Command, &e.SessionID, &e.Risk, &allowed, &e.Reason, &e.ExitCode); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Allowed = allowed != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

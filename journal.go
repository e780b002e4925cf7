package moltgate

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// Journal event kinds.
const (
	JournalProcessStart = "process_start"
	JournalProcessExit  = "process_exit"
	JournalRestart      = "restart"
	JournalSync         = "sync"
	JournalOnboard      = "onboard"
	JournalPairing      = "pairing"
	JournalReset        = "reset"
)

// JournalEntry is one recorded lifecycle event.
type JournalEntry struct {
	ID     int64     `json:"id"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Journal is an append-mostly event log in a local sqlite database. It
// lives inside the state directory but is deliberately excluded from
// bucket sync: it describes this container's history, not gateway state.
// A nil *Journal is valid and drops every write, so callers that run
// without persistence need no branches.
type Journal struct {
	db *sql.DB
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS journal (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    kind   TEXT NOT NULL,
    detail TEXT NOT NULL,
    at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_at ON journal(at);
`

// OpenJournal opens (and if needed creates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("moltgate: failed to open journal: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("moltgate: failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("moltgate: failed to create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one event. Failures are logged, not returned: the journal
// must never take the gateway down with it.
func (j *Journal) Record(kind, detail string) {
	if j == nil || j.db == nil {
		return
	}
	at := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := j.db.Exec(
		`INSERT INTO journal (kind, detail, at) VALUES (?, ?, ?)`,
		kind, detail, at,
	); err != nil {
		log.Printf("journal: failed to record %s: %v", kind, err)
	}
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]JournalEntry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(
		`SELECT id, kind, detail, at FROM journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("moltgate: failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var at string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("moltgate: failed to scan journal row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("moltgate: malformed journal timestamp %q: %w", at, err)
		}
		e.At = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the cutoff and reports how many were
// removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	if j == nil || j.db == nil {
		return 0, nil
	}
	res, err := j.db.Exec(
		`DELETE FROM journal WHERE at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("moltgate: failed to prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

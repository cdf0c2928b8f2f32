// Package audit implements an optional, append-only event log recording
// flush and reorganization activity to a local SQLite file, for
// diagnosability. It is never on the hot read/write path: every method
// degrades to a no-op when the log is disabled (enable_audit_log=false).
//
// Grounded on the teacher's SQLiteBackend, re-homed from its original role
// as the primary key/value store (superseded here by the page/segment/
// buffer-pool layer) to a secondary diagnostic sink.
package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"treeline/pkg/common"
)

// EventKind names the events the storage engine reports.
type EventKind string

const (
	EventFlushApplied   EventKind = "flush_applied"
	EventFlushDeferred  EventKind = "flush_deferred"
	EventReorgStarted   EventKind = "reorg_started"
	EventReorgCompleted EventKind = "reorg_completed"
)

// Log is the audit sink. A nil or disabled Log is safe to call methods on.
type Log struct {
	db      *sql.DB
	mu      sync.Mutex
	enabled bool
}

// Open creates or reopens the audit database at path. If enabled is false,
// no database is opened and every Log method becomes a no-op — the
// enable_audit_log=false fast path never touches disk.
func Open(path string, enabled bool) (*Log, error) {
	if !enabled {
		return &Log{enabled: false}, nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", common.ErrIOError)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		chain_lower BLOB,
		page_id INTEGER,
		detail TEXT
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", common.ErrIOError)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: pragma: %w", common.ErrIOError)
	}

	return &Log{db: db, enabled: true}, nil
}

// Record appends one event. chainLower and pageID may be zero-valued when
// not applicable to kind (e.g. a reorg-wide summary event).
func (l *Log) Record(kind EventKind, chainLower common.Key, pageID common.PhysicalPageID, detail string) error {
	if l == nil || !l.enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		`INSERT INTO events (ts, kind, chain_lower, page_id, detail) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), string(kind), []byte(chainLower), int64(pageID), detail,
	)
	if err != nil {
		return fmt.Errorf("audit: record: %w", common.ErrIOError)
	}
	return nil
}

// Event is a single row read back from the audit log, for inspection.
type Event struct {
	Timestamp  int64
	Kind       EventKind
	ChainLower common.Key
	PageID     common.PhysicalPageID
	Detail     string
}

// Recent returns up to limit of the most recently recorded events, newest
// first. Returns nil (no error) when the log is disabled.
func (l *Log) Recent(limit int) ([]Event, error) {
	if l == nil || !l.enabled {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		`SELECT ts, kind, chain_lower, page_id, detail FROM events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", common.ErrIOError)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		var chainLower []byte
		var pageID int64
		if err := rows.Scan(&e.Timestamp, &kind, &chainLower, &pageID, &e.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", common.ErrIOError)
		}
		e.Kind = EventKind(kind)
		e.ChainLower = chainLower
		e.PageID = common.PhysicalPageID(pageID)
		events = append(events, e)
	}
	return events, nil
}

// Close closes the underlying database handle, if one was opened.
func (l *Log) Close() error {
	if l == nil || !l.enabled {
		return nil
	}
	return l.db.Close()
}

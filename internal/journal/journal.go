// Package journal persists fleet lifecycle events in SQLite so an operator
// can review disconnects, restarts and kills after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
)

// Event is one journaled log entry.
type Event struct {
	ID          int64
	Type        string
	Title       string
	Description string
	Color       int
	Footer      string
	Timestamp   time.Time
}

// Query filters Recent.
type Query struct {
	// Type keeps only events of this type when set.
	Type string
	// Since keeps only events at or after this instant when set.
	Since time.Time
	// Limit caps the result; 0 means 50.
	Limit int
}

// Journal is a SQLite-backed event log.
type Journal struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open opens (creating if needed) the journal at path. ":memory:" gives a
// private in-memory journal.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, dbPath: path}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Journal("journal opened at %s", path)
	return j, nil
}

func (j *Journal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		color INTEGER DEFAULT 0,
		footer TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one entry. A zero timestamp is replaced with now.
func (j *Journal) Record(ctx context.Context, eventType string, entry ipc.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (event_type, title, description, color, footer, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		eventType, entry.Title, entry.Description, entry.Color, entry.Footer, entry.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Log records an entry and logs instead of returning failures, so it can be
// used directly as a supervisor log sink.
func (j *Journal) Log(eventType string, entry ipc.LogEntry) {
	if err := j.Record(context.Background(), eventType, entry); err != nil {
		logging.Get(logging.CategoryJournal).Warn("dropping %s event %q: %v", eventType, entry.Title, err)
	}
}

// Recent returns the newest matching events, newest first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []interface{}
	if q.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT id, event_type, title, description, color, footer, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var desc, footer sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Title, &desc, &e.Color, &footer, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Description = desc.String
		e.Footer = footer.String
		e.Timestamp = time.Unix(0, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of journaled events of the given type, or of all
// types when eventType is empty.
func (j *Journal) Count(ctx context.Context, eventType string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var n int
	var err error
	if eventType == "" {
		err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

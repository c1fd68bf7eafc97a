package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteSink persists audit events to a local SQLite database. Events are
// append-only; nothing in the backtester ever updates or deletes a row.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (and migrates) the audit database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	sink := &SQLiteSink{db: db}
	if err := sink.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return sink, nil
}

func (s *SQLiteSink) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			symbol TEXT,
			order_id TEXT,
			reason TEXT,
			details TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(event_type)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Append inserts one event.
func (s *SQLiteSink) Append(ctx context.Context, event Event) error {
	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
	}

	query := `INSERT INTO audit_events (id, run_id, timestamp, event_type, symbol, order_id, reason, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Timestamp,
		string(event.Type),
		event.Symbol,
		event.OrderID,
		event.Reason,
		string(details),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// EventsForRun returns a run's events in timestamp order.
func (s *SQLiteSink) EventsForRun(ctx context.Context, runID string) ([]Event, error) {
	query := `SELECT id, run_id, timestamp, event_type, symbol, order_id, reason, details
		FROM audit_events WHERE run_id = ? ORDER BY timestamp, created_at`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			eventType string
			details   sql.NullString
			symbol    sql.NullString
			orderID   sql.NullString
			reason    sql.NullString
			ts        time.Time
		)
		if err := rows.Scan(&e.ID, &e.RunID, &ts, &eventType, &symbol, &orderID, &reason, &details); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.Timestamp = ts
		e.Type = EventType(eventType)
		e.Symbol = symbol.String
		e.OrderID = orderID.String
		e.Reason = reason.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByType returns how many events of the given type a run produced.
func (s *SQLiteSink) CountByType(ctx context.Context, runID string, t EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE run_id = ? AND event_type = ?`,
		runID, string(t),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-less SQLite driver
)

const sqliteAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY,
	timestamp    TEXT NOT NULL,
	action       TEXT NOT NULL,
	principal_id TEXT,
	identity     TEXT,
	outcome      TEXT NOT NULL,
	reason       TEXT,
	request_id   TEXT,
	ip_address   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_principal ON audit_events(principal_id);
`

// SQLiteLogger is a SQLite-backed implementation of Logger.
type SQLiteLogger struct {
	db *sql.DB
}

// NewSQLiteLogger creates a SQLite-backed audit logger, creating its schema
// when missing. It may share the DSN with the directory database.
func NewSQLiteLogger(dsn string) (*SQLiteLogger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteAuditSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLogger{db: db}, nil
}

// NewSQLiteLoggerFromDB creates an audit logger over an existing connection.
// The schema must already exist.
func NewSQLiteLoggerFromDB(db *sql.DB) *SQLiteLogger {
	return &SQLiteLogger{db: db}
}

// Close closes the database connection.
func (s *SQLiteLogger) Close() error {
	return s.db.Close()
}

// Log records an audit event.
func (s *SQLiteLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, action, principal_id, identity, outcome, reason, request_id, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Timestamp.Format(time.RFC3339Nano),
		event.Action,
		nullString(event.PrincipalID),
		nullString(event.Identity),
		event.Outcome,
		nullString(event.Reason),
		nullString(event.RequestID),
		nullString(event.IPAddress),
	)
	return err
}

// List retrieves audit events with optional filtering.
func (s *SQLiteLogger) List(ctx context.Context, opts ListOptions) ([]*Event, int, error) {
	where := "1=1"
	args := []any{}

	if opts.PrincipalID != "" {
		where += " AND principal_id = ?"
		args = append(args, opts.PrincipalID)
	}
	if opts.Action != "" {
		where += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if opts.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, opts.Since.Format(time.RFC3339Nano))
	}
	if opts.Until != nil {
		where += " AND timestamp <= ?"
		args = append(args, opts.Until.Format(time.RFC3339Nano))
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_events WHERE " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	query := "SELECT id, timestamp, action, principal_id, identity, outcome, reason, request_id, ip_address FROM audit_events WHERE " +
		where + " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var timestamp string
		var principalID, identity, reason, requestID, ipAddress sql.NullString

		if err := rows.Scan(&e.ID, &timestamp, &e.Action, &principalID, &identity, &e.Outcome, &reason, &requestID, &ipAddress); err != nil {
			return nil, 0, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		e.PrincipalID = principalID.String
		e.Identity = identity.String
		e.Reason = reason.String
		e.RequestID = requestID.String
		e.IPAddress = ipAddress.String
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

// GetByPrincipal retrieves audit events for a specific principal.
func (s *SQLiteLogger) GetByPrincipal(ctx context.Context, principalID string) ([]*Event, error) {
	events, _, err := s.List(ctx, ListOptions{PrincipalID: principalID, Limit: 1000})
	return events, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS principals (
	id            TEXT PRIMARY KEY,
	email         TEXT,
	display_name  TEXT,
	backend       TEXT NOT NULL DEFAULT 'local',
	password_hash BLOB,
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	last_login_at TEXT,
	subject       TEXT,
	issuer        TEXT,
	avatar        BLOB
);
CREATE INDEX IF NOT EXISTS idx_principals_email ON principals(email COLLATE NOCASE);
CREATE TABLE IF NOT EXISTS groups (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS group_members (
	group_name   TEXT NOT NULL REFERENCES groups(name) ON DELETE CASCADE,
	principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
	PRIMARY KEY (group_name, principal_id)
);
`

// SQLiteDirectory is a SQLite-backed Directory.
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLiteDirectory opens (or creates) the database at dsn and ensures the
// schema exists.
func NewSQLiteDirectory(dsn string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteDirectory{db: db}, nil
}

func (d *SQLiteDirectory) Close() error { return d.db.Close() }

func (d *SQLiteDirectory) Create(ctx context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	backend := p.Backend
	if backend == "" {
		backend = BackendLocal
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO principals (id, email, display_name, backend, password_hash, enabled, created_at, updated_at, subject, issuer)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Email, p.DisplayName, backend, p.PasswordHash, boolToInt(p.Enabled),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
		p.Subject, p.Issuer,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPrincipalExists
		}
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

const sqlitePrincipalColumns = `id, email, display_name, backend, password_hash, enabled, created_at, updated_at, last_login_at, subject, issuer`

func (d *SQLiteDirectory) GetByID(ctx context.Context, id string) (*Principal, error) {
	if id == "" {
		return nil, nil
	}
	return scanSQLitePrincipal(d.db.QueryRowContext(ctx, `
		SELECT `+sqlitePrincipalColumns+` FROM principals WHERE id = ?
	`, id))
}

func (d *SQLiteDirectory) SearchByEmail(ctx context.Context, email string) ([]*Principal, error) {
	if email == "" {
		return nil, nil
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+sqlitePrincipalColumns+` FROM principals WHERE email = ? COLLATE NOCASE
	`, email)
	if err != nil {
		return nil, fmt.Errorf("query principals: %w", err)
	}
	defer rows.Close()

	var out []*Principal
	for rows.Next() {
		p, err := scanSQLitePrincipalRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *SQLiteDirectory) Update(ctx context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return ErrPrincipalNotFound
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE principals
		SET email = ?, display_name = ?, backend = ?, password_hash = ?, enabled = ?, updated_at = ?, subject = ?, issuer = ?
		WHERE id = ?
	`,
		p.Email, p.DisplayName, p.Backend, p.PasswordHash, boolToInt(p.Enabled),
		p.UpdatedAt.Format(time.RFC3339Nano), p.Subject, p.Issuer, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update principal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (d *SQLiteDirectory) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE principals SET last_login_at = ? WHERE id = ?
	`, t.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (d *SQLiteDirectory) SetAvatar(ctx context.Context, id string, avatar []byte) error {
	res, err := d.db.ExecContext(ctx, `UPDATE principals SET avatar = ? WHERE id = ?`, avatar, id)
	if err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

// EnsureGroup creates the group if it does not exist yet.
func (d *SQLiteDirectory) EnsureGroup(ctx context.Context, name string) error {
	if _, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO groups (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	return nil
}

func (d *SQLiteDirectory) GroupExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM groups WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query group: %w", err)
	}
	return true, nil
}

func (d *SQLiteDirectory) AddToGroup(ctx context.Context, id, group string) error {
	exists, err := d.GroupExists(ctx, group)
	if err != nil {
		return err
	}
	if !exists {
		return ErrGroupNotFound
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_members (group_name, principal_id) VALUES (?, ?)
	`, group, id); err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (d *SQLiteDirectory) GroupsOf(ctx context.Context, id string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT group_name FROM group_members WHERE principal_id = ? ORDER BY group_name
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan group name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (d *SQLiteDirectory) SupportsAttribute(string, Attribute) bool { return true }

type sqliteRowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePrincipal(row *sql.Row) (*Principal, error) {
	p, err := scanSQLitePrincipalRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanSQLitePrincipalRow(row sqliteRowScanner) (*Principal, error) {
	var (
		p                    Principal
		email, displayName   sql.NullString
		enabled              int
		createdAt, updatedAt string
		lastLoginAt          sql.NullString
		subject, issuer      sql.NullString
	)
	if err := row.Scan(&p.ID, &email, &displayName, &p.Backend, &p.PasswordHash,
		&enabled, &createdAt, &updatedAt, &lastLoginAt, &subject, &issuer); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	p.Email = email.String
	p.DisplayName = displayName.String
	p.Enabled = enabled != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastLoginAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastLoginAt.String)
		p.LastLoginAt = &t
	}
	p.Subject = subject.String
	p.Issuer = issuer.String
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches SQLite and PostgreSQL unique constraint errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key")
}

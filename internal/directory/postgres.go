package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS principals (
	id            TEXT PRIMARY KEY,
	email         TEXT,
	display_name  TEXT,
	backend       TEXT NOT NULL DEFAULT 'local',
	password_hash BYTEA,
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_login_at TIMESTAMPTZ,
	subject       TEXT,
	issuer        TEXT,
	avatar        BYTEA
);
CREATE INDEX IF NOT EXISTS idx_principals_email ON principals(LOWER(email));
CREATE TABLE IF NOT EXISTS groups (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS group_members (
	group_name   TEXT NOT NULL REFERENCES groups(name) ON DELETE CASCADE,
	principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
	PRIMARY KEY (group_name, principal_id)
);
`

// PostgresDirectory is a PostgreSQL-backed Directory for multi-instance
// deployments.
type PostgresDirectory struct {
	pool    *pgxpool.Pool
	ownPool bool
}

// NewPostgresDirectory connects to the database and ensures the schema
// exists.
func NewPostgresDirectory(ctx context.Context, connStr string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresDirectory{pool: pool, ownPool: true}, nil
}

// NewPostgresDirectoryFromPool wraps an existing pool; Close leaves the pool
// open.
func NewPostgresDirectoryFromPool(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) Close() error {
	if d.ownPool {
		d.pool.Close()
	}
	return nil
}

func (d *PostgresDirectory) Create(ctx context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	backend := p.Backend
	if backend == "" {
		backend = BackendLocal
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO principals (id, email, display_name, backend, password_hash, enabled, created_at, updated_at, subject, issuer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Email, p.DisplayName, backend, p.PasswordHash, p.Enabled,
		p.CreatedAt, p.UpdatedAt, p.Subject, p.Issuer,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPrincipalExists
		}
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

const postgresPrincipalColumns = `id, email, display_name, backend, password_hash, enabled, created_at, updated_at, last_login_at, subject, issuer`

func (d *PostgresDirectory) GetByID(ctx context.Context, id string) (*Principal, error) {
	if id == "" {
		return nil, nil
	}
	p, err := scanPostgresPrincipal(d.pool.QueryRow(ctx, `
		SELECT `+postgresPrincipalColumns+` FROM principals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (d *PostgresDirectory) SearchByEmail(ctx context.Context, email string) ([]*Principal, error) {
	if email == "" {
		return nil, nil
	}
	rows, err := d.pool.Query(ctx, `
		SELECT `+postgresPrincipalColumns+` FROM principals WHERE LOWER(email) = LOWER($1)`, email)
	if err != nil {
		return nil, fmt.Errorf("query principals: %w", err)
	}
	defer rows.Close()

	var out []*Principal
	for rows.Next() {
		p, err := scanPostgresPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) Update(ctx context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return ErrPrincipalNotFound
	}
	tag, err := d.pool.Exec(ctx, `
		UPDATE principals
		SET email = $1, display_name = $2, backend = $3, password_hash = $4, enabled = $5, updated_at = $6, subject = $7, issuer = $8
		WHERE id = $9`,
		p.Email, p.DisplayName, p.Backend, p.PasswordHash, p.Enabled,
		p.UpdatedAt, p.Subject, p.Issuer, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update principal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (d *PostgresDirectory) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	tag, err := d.pool.Exec(ctx, `UPDATE principals SET last_login_at = $1 WHERE id = $2`, t, id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func (d *PostgresDirectory) SetAvatar(ctx context.Context, id string, avatar []byte) error {
	tag, err := d.pool.Exec(ctx, `UPDATE principals SET avatar = $1 WHERE id = $2`, avatar, id)
	if err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

// EnsureGroup creates the group if it does not exist yet.
func (d *PostgresDirectory) EnsureGroup(ctx context.Context, name string) error {
	if _, err := d.pool.Exec(ctx, `
		INSERT INTO groups (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) GroupExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := d.pool.QueryRow(ctx, `SELECT 1 FROM groups WHERE name = $1`, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query group: %w", err)
	}
	return true, nil
}

func (d *PostgresDirectory) AddToGroup(ctx context.Context, id, group string) error {
	exists, err := d.GroupExists(ctx, group)
	if err != nil {
		return err
	}
	if !exists {
		return ErrGroupNotFound
	}
	if _, err := d.pool.Exec(ctx, `
		INSERT INTO group_members (group_name, principal_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, group, id); err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) GroupsOf(ctx context.Context, id string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT group_name FROM group_members WHERE principal_id = $1 ORDER BY group_name`, id)
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

func (d *PostgresDirectory) SupportsAttribute(string, Attribute) bool { return true }

type postgresRowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresPrincipal(row postgresRowScanner) (*Principal, error) {
	var (
		p                  Principal
		email, displayName *string
		lastLoginAt        *time.Time
		subject, issuer    *string
	)
	if err := row.Scan(&p.ID, &email, &displayName, &p.Backend, &p.PasswordHash,
		&p.Enabled, &p.CreatedAt, &p.UpdatedAt, &lastLoginAt, &subject, &issuer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	if email != nil {
		p.Email = *email
	}
	if displayName != nil {
		p.DisplayName = *displayName
	}
	p.LastLoginAt = lastLoginAt
	if subject != nil {
		p.Subject = *subject
	}
	if issuer != nil {
		p.Issuer = *issuer
	}
	return &p, nil
}

// Package member provides PostgreSQL-backed storage for member identity
// records. Members are created by the account layer at first login; the
// messaging core reads the id/name/banned fields and flips the banned flag
// through the ban ledger. Schema changes live in the embedded migrations
// directory and are applied with Migrate at startup.
package member

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no member exists for the given id or email.
var ErrNotFound = errors.New("member: not found")

// Member is one identity record. The messaging core never touches the
// email/role fields beyond reading them.
type Member struct {
	ID     string
	Name   string
	Email  string
	Role   string
	Banned bool
}

// Store manages member records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a member store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies all pending schema migrations from the embedded FS.
// A database already at the current version is not an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("member: migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("member: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("member: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("member: migrate up: %w", err)
	}
	return nil
}

// Get retrieves a member by id. Returns ErrNotFound if no row exists.
func (s *Store) Get(ctx context.Context, id string) (*Member, error) {
	const query = `
		SELECT id, name, email, role, banned
		FROM members
		WHERE id = $1`

	var m Member
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&m.ID, &m.Name, &m.Email, &m.Role, &m.Banned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("member: get: %w", err)
	}
	return &m, nil
}

// Upsert creates a member at first login or refreshes the display name of an
// existing one, returning the stored record either way. The banned flag is
// never touched here.
func (s *Store) Upsert(ctx context.Context, name, email, role string) (*Member, error) {
	const query = `
		INSERT INTO members (name, email, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, email, role, banned`

	var m Member
	err := s.db.QueryRowContext(ctx, query, name, email, role).
		Scan(&m.ID, &m.Name, &m.Email, &m.Role, &m.Banned)
	if err != nil {
		return nil, fmt.Errorf("member: upsert: %w", err)
	}
	return &m, nil
}

// IsBanned reads the member's current suspension flag.
func (s *Store) IsBanned(ctx context.Context, id string) (bool, error) {
	const query = `SELECT banned FROM members WHERE id = $1`

	var banned bool
	err := s.db.QueryRowContext(ctx, query, id).Scan(&banned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("member: is banned: %w", err)
	}
	return banned, nil
}

// SetBanned sets the member's banned flag to true. The write is idempotent:
// the end state is "banned" regardless of how many concurrent callers race
// here, and re-banning an already banned member is not an error.
func (s *Store) SetBanned(ctx context.Context, id string) error {
	const query = `UPDATE members SET banned = TRUE WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("member: set banned: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Banned lists all currently suspended members, for the administrative
// read path.
func (s *Store) Banned(ctx context.Context) ([]Member, error) {
	const query = `
		SELECT id, name, email, role, banned
		FROM members
		WHERE banned
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("member: list banned: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.Role, &m.Banned); err != nil {
			return nil, fmt.Errorf("member: scan banned: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("member: iterate banned: %w", err)
	}
	return members, nil
}

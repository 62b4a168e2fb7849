// internal/users/postgres.go
package users

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists users in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InitializeSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id UUID PRIMARY KEY,
        username VARCHAR(50) UNIQUE NOT NULL,
        email VARCHAR(255) UNIQUE NOT NULL,
        role VARCHAR(20) NOT NULL DEFAULT 'user',
        is_active BOOLEAN NOT NULL DEFAULT true,
        max_concurrent_containers INT NOT NULL DEFAULT 0,
        max_container_lifetime_ns BIGINT NOT NULL DEFAULT 0,
        inactivity_timeout_ns BIGINT NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        last_login TIMESTAMPTZ
    );
    `
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("initializing users schema: %w", err)
	}
	return nil
}

const userColumns = `id, username, email, role, is_active, max_concurrent_containers,
       max_container_lifetime_ns, inactivity_timeout_ns, created_at, updated_at, last_login`

func (s *PostgresStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *PostgresStore) Create(ctx context.Context, u User) (User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Active = true

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, role, is_active, max_concurrent_containers,
                            max_container_lifetime_ns, inactivity_timeout_ns, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Username, u.Email, u.Role, u.Active, u.MaxConcurrentContainers,
		int64(u.MaxContainerLifetime), int64(u.InactivityTimeout), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return User{}, ErrDuplicate
		}
		return User{}, fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return u, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, upd Update) (User, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return User{}, err
	}

	if upd.Email != nil {
		current.Email = *upd.Email
	}
	if upd.Role != nil {
		current.Role = *upd.Role
	}
	if upd.Active != nil {
		current.Active = *upd.Active
	}
	if upd.MaxConcurrentContainers != nil {
		current.MaxConcurrentContainers = *upd.MaxConcurrentContainers
	}
	if upd.MaxContainerLifetime != nil {
		current.MaxContainerLifetime = *upd.MaxContainerLifetime
	}
	if upd.InactivityTimeout != nil {
		current.InactivityTimeout = *upd.InactivityTimeout
	}
	current.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET email = $1, role = $2, is_active = $3,
                          max_concurrent_containers = $4,
                          max_container_lifetime_ns = $5,
                          inactivity_timeout_ns = $6,
                          updated_at = $7
         WHERE id = $8`,
		current.Email, current.Role, current.Active, current.MaxConcurrentContainers,
		int64(current.MaxContainerLifetime), int64(current.InactivityTimeout),
		current.UpdatedAt, id)
	if err != nil {
		return User{}, fmt.Errorf("update user %s: %w", id, err)
	}
	return current, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scannable) (User, error) {
	var u User
	var lifetimeNS, inactivityNS int64
	var lastLogin sql.NullTime

	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.Active,
		&u.MaxConcurrentContainers, &lifetimeNS, &inactivityNS,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err != nil {
		return User{}, err
	}

	u.MaxContainerLifetime = time.Duration(lifetimeNS)
	u.InactivityTimeout = time.Duration(inactivityNS)
	if lastLogin.Valid {
		u.LastLogin = &lastLogin.Time
	}
	return u, nil
}

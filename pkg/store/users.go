package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser inserts a user row and returns it. The password hash is
// opaque to this package; credential handling lives outside the core.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, email string) (*User, error) {
	now := time.Now().UTC()

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, password_hash, email, created_at, last_login, is_active)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, 1)`,
			username, passwordHash, email, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.GetUser(ctx, id)
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var (
		u         User
		email     sql.NullString
		lastLogin sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, email, created_at, last_login, is_active
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &email, &u.CreatedAt, &lastLogin, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	u.Email = email.String
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}
	return &u, nil
}

// TouchLastLogin bumps the user's last_login timestamp.
func (s *Store) TouchLastLogin(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE users SET last_login = ? WHERE id = ?", time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("touch last_login: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

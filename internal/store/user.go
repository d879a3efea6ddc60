package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/pavelanni/papergrader/internal/model"
)

const userColumns = `id, username, display_name, password_hash, role, active, created_at`

// CreateUser inserts a new grader account.
func (s *Store) CreateUser(ctx context.Context, u model.User) (int64, error) {
	if u.Role == "" {
		u.Role = model.UserRoleGrader
	}
	var id int64
	err := s.queryRow(ctx, s.db,
		`INSERT INTO users (username, display_name, password_hash, role, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		u.Username, u.DisplayName, u.PasswordHash, u.Role, u.Active, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		slog.Error("failed to create user", "username", u.Username, "error", err)
		return 0, err
	}
	slog.Info("created user", "id", id, "username", u.Username, "role", u.Role)
	return id, nil
}

// GetUserByUsername returns a user by username, or nil if there is none.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
}

// GetUserByID returns a user by ID, or nil if there is none.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	u, err := scanUser(s.queryRow(ctx, s.db, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ToggleUserActive flips the active flag on a user.
func (s *Store) ToggleUserActive(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, s.db, `UPDATE users SET active = NOT active WHERE id = ?`, id)
	return err
}

// UserCount returns the total number of users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var count int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

func scanUser(r rowScanner) (*model.User, error) {
	var u model.User
	if err := r.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crmchat/internal/domain"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Ensure(ctx context.Context, id, displayName string) (*domain.User, error) {
	if displayName == "" {
		displayName = id
	}
	u := &domain.User{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, is_online, active_connections, last_seen_at, created_at
	`, id, displayName).Scan(&u.ID, &u.DisplayName, &u.IsOnline, &u.ActiveConnections, &u.LastSeenAt, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u := &domain.User{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, display_name, is_online, active_connections, last_seen_at, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.DisplayName, &u.IsOnline, &u.ActiveConnections, &u.LastSeenAt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) List(ctx context.Context) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, display_name, is_online, active_connections, last_seen_at, created_at
		FROM users
		ORDER BY display_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.IsOnline, &u.ActiveConnections, &u.LastSeenAt, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *UserRepo) SetPresence(ctx context.Context, id string, online bool, activeConnections int, lastSeenAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET is_online = $1, active_connections = $2, last_seen_at = $3 WHERE id = $4
	`, online, activeConnections, lastSeenAt, id)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

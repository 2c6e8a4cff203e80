package sqlite

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

const userColumns = `id, display_name, is_online, active_connections, last_seen_at, created_at`

// Ensure inserts the identity if it is unknown and refreshes its display
// name otherwise.
func (r *UserRepo) Ensure(ctx context.Context, id, displayName string) (*domain.User, error) {
	if displayName == "" {
		displayName = id
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, is_online, active_connections, created_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name
	`, id, displayName, toMillis(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) List(ctx context.Context) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY display_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *UserRepo) SetPresence(ctx context.Context, id string, online bool, activeConnections int, lastSeenAt time.Time) error {
	query := `UPDATE users SET is_online = ?, active_connections = ?, last_seen_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, online, activeConnections, toMillis(lastSeenAt), id); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (*domain.User, error) {
	u := &domain.User{}
	var lastSeen sql.NullInt64
	var createdAt int64
	if err := s.Scan(&u.ID, &u.DisplayName, &u.IsOnline, &u.ActiveConnections, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	u.LastSeenAt = fromNullMillis(lastSeen)
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

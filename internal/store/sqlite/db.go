package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN. SQLite allows a single
// writer, so the pool is pinned to one connection; this also keeps
// ":memory:" databases shared across queries.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent CREATE TABLE / CREATE INDEX statements.
// Timestamps are stored as unix milliseconds.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id                 TEXT PRIMARY KEY,
			display_name       TEXT NOT NULL,
			is_online          BOOLEAN NOT NULL DEFAULT 0,
			active_connections INTEGER NOT NULL DEFAULT 0,
			last_seen_at       INTEGER DEFAULT NULL,
			created_at         INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			seq              INTEGER NOT NULL,
			conversation_key TEXT NOT NULL,
			chat_type        TEXT NOT NULL,
			sender_id        TEXT NOT NULL,
			receiver_id      TEXT DEFAULT NULL,
			body             TEXT NOT NULL,
			status           INTEGER NOT NULL,
			created_at       INTEGER NOT NULL,
			delivered_at     INTEGER DEFAULT NULL,
			seen_at          INTEGER DEFAULT NULL,
			UNIQUE (conversation_key, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient_id TEXT NOT NULL,
			type         TEXT NOT NULL,
			sender_name  TEXT NOT NULL,
			message      TEXT NOT NULL,
			is_read      BOOLEAN NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			related_id   TEXT DEFAULT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_is_online ON users(is_online);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages(conversation_key, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_status ON messages(receiver_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(recipient_id, is_read);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// inClause renders "(?,?,...)" and the matching args for ids.
func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return `(?` + strings.Repeat(",?", len(ids)-1) + `)`, args
}

package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the chat schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		// Directory of identities seen through bearer tokens
		`CREATE TABLE IF NOT EXISTS users (
			id                 TEXT        PRIMARY KEY,
			display_name       TEXT        NOT NULL,
			is_online          BOOLEAN     NOT NULL DEFAULT FALSE,
			active_connections INTEGER     NOT NULL DEFAULT 0,
			last_seen_at       TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Append-only message log
		`CREATE TABLE IF NOT EXISTS messages (
			id               BIGSERIAL   PRIMARY KEY,
			seq              BIGINT      NOT NULL,
			conversation_key TEXT        NOT NULL,
			chat_type        TEXT        NOT NULL,
			sender_id        TEXT        NOT NULL,
			receiver_id      TEXT,
			body             TEXT        NOT NULL,
			status           SMALLINT    NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			delivered_at     TIMESTAMPTZ,
			seen_at          TIMESTAMPTZ,
			UNIQUE (conversation_key, seq)
		)`,

		// Notification feed
		`CREATE TABLE IF NOT EXISTS notifications (
			id           BIGSERIAL   PRIMARY KEY,
			recipient_id TEXT        NOT NULL,
			type         TEXT        NOT NULL,
			sender_name  TEXT        NOT NULL,
			message      TEXT        NOT NULL,
			is_read      BOOLEAN     NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL,
			related_id   TEXT
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_users_is_online ON users(is_online)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages(conversation_key, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_status ON messages(receiver_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(recipient_id) WHERE is_read = FALSE`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

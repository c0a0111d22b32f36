package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateMessage is returned when inserting a cached message whose
// remote id already exists. Sync passes treat it as "already synced".
var ErrDuplicateMessage = errors.New("storage: message already cached")

// Store wraps the sqlite database holding accounts, sync state, the
// message cache, attachments and UI sessions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path. An empty path
// opens an in-memory database, which the tests rely on.
func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" || trimmed == ":memory:" {
		trimmed = ":memory:"
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id TEXT NOT NULL,
            email TEXT NOT NULL,
            provider TEXT NOT NULL,
            access_token TEXT NOT NULL DEFAULT '',
            refresh_token TEXT NOT NULL DEFAULT '',
            token_expiry INTEGER,
            has_new_mail INTEGER NOT NULL DEFAULT 0,
            avatar_url TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            UNIQUE(user_id, email, provider)
        );`,
		`CREATE TABLE IF NOT EXISTS sync_states (
            account_id INTEGER PRIMARY KEY,
            last_fetch_at INTEGER,
            recent_ids TEXT NOT NULL DEFAULT '[]',
            FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            remote_id TEXT NOT NULL UNIQUE,
            account_id INTEGER NOT NULL,
            thread_id TEXT NOT NULL DEFAULT '',
            internet_message_id TEXT NOT NULL DEFAULT '',
            subject TEXT NOT NULL DEFAULT '',
            from_name TEXT NOT NULL DEFAULT '',
            from_address TEXT NOT NULL DEFAULT '',
            to_addresses TEXT NOT NULL DEFAULT '',
            cc_addresses TEXT NOT NULL DEFAULT '',
            bcc_addresses TEXT NOT NULL DEFAULT '',
            date INTEGER,
            body_html TEXT NOT NULL DEFAULT '',
            is_sent INTEGER NOT NULL DEFAULT 0,
            is_draft INTEGER NOT NULL DEFAULT 0,
            is_starred INTEGER NOT NULL DEFAULT 0,
            is_read INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS attachments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            message_id INTEGER NOT NULL,
            filename TEXT NOT NULL DEFAULT '',
            content_type TEXT NOT NULL DEFAULT '',
            content_id TEXT NOT NULL DEFAULT '',
            data BLOB NOT NULL,
            size INTEGER NOT NULL,
            FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS sessions (
            account_id INTEGER NOT NULL,
            user_id TEXT NOT NULL,
            last_ping INTEGER NOT NULL,
            PRIMARY KEY(account_id, user_id),
            FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_account_created ON messages(account_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ping ON sessions(last_ping);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint
// failure. The driver does not export a sentinel for it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

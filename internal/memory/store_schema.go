package memory

import (
	"context"
	"database/sql"
	"fmt"
)

// currentSchemaVersion is stored in PRAGMA user_version. Bump it when adding migrations.
const currentSchemaVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	version, err := userVersion(ctx, s.db)
	if err != nil {
		return err
	}

	if version < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				external_id TEXT NOT NULL UNIQUE,
				guild_id TEXT NOT NULL DEFAULT '',
				channel_id TEXT NOT NULL,
				author_id TEXT NOT NULL,
				content TEXT NOT NULL,
				ts INTEGER NOT NULL,
				embedding BLOB,
				embedding_dim INTEGER NOT NULL DEFAULT 0,
				is_indexed INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel_id, ts DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(id)
				WHERE embedding IS NULL AND is_indexed = 0`,
			`CREATE TABLE IF NOT EXISTS channel_summaries (
				channel_id TEXT PRIMARY KEY,
				summary TEXT NOT NULL,
				tokens INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL,
				refreshed_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS channel_milestones (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				channel_id TEXT NOT NULL,
				fact TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				UNIQUE(channel_id, fact)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_milestones_channel ON channel_milestones(channel_id, id)`,
			`CREATE TABLE IF NOT EXISTS channel_settings (
				channel_id TEXT PRIMARY KEY,
				guild_id TEXT NOT NULL DEFAULT '',
				enabled INTEGER NOT NULL DEFAULT 1,
				memory_start_date INTEGER,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS guild_settings (
				guild_id TEXT PRIMARY KEY,
				context_limit INTEGER,
				retention_hours INTEGER,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_memory (
				user_id TEXT PRIMARY KEY,
				summary TEXT NOT NULL DEFAULT '',
				enabled INTEGER NOT NULL DEFAULT 0,
				expires_at INTEGER,
				updated_at INTEGER NOT NULL
			)`,
		}
		if err := s.execTx(ctx, stmts); err != nil {
			return fmt.Errorf("migration 1: %w", err)
		}
		if err := setUserVersion(ctx, s.db, 1); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) execTx(ctx context.Context, stmts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(ctx context.Context, db *sql.DB, version int) error {
	// PRAGMA does not accept bound parameters.
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

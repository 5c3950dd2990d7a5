// Package db implements the SQLite persistence layer for Moonlight:
// tournaments and their authorized-user role table, qualifier events,
// maps and scores, and issued bot tokens. Every domain row carries an
// `old` flag; rows are superseded, never physically deleted, preserving
// history for replay and audit.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Database wraps a SQLite database connection with thread-safe access.
type Database struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewDatabase opens or creates a SQLite database at the given path and
// applies the schema.
func NewDatabase(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// SQLite doesn't support concurrent writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// WAL mode for better read concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		log.Warn().Err(err).Msg("failed to enable foreign keys")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	d := &Database{db: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("database opened")
	return d, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Exec executes a query without returning rows (INSERT, UPDATE, DELETE).
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

// Query executes a query that returns rows (SELECT).
func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow executes a query that returns a single row.
func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Transaction executes a function within a database transaction.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (d *Database) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tournaments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guid TEXT NOT NULL,
			name TEXT NOT NULL,
			settings_json TEXT NOT NULL,
			server_json TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			old INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS authorized_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tournament_guid TEXT NOT NULL,
			user_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			old INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS qualifiers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guid TEXT NOT NULL,
			tournament_guid TEXT NOT NULL,
			name TEXT NOT NULL,
			sort INTEGER NOT NULL DEFAULT 0,
			flags INTEGER NOT NULL DEFAULT 0,
			info_channel_id TEXT NOT NULL DEFAULT '',
			old INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS qualifier_maps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guid TEXT NOT NULL,
			event_guid TEXT NOT NULL,
			parameters_json TEXT NOT NULL,
			target INTEGER NOT NULL DEFAULT 0,
			attempt_limit INTEGER NOT NULL DEFAULT 0,
			leaderboard_message_id TEXT NOT NULL DEFAULT '',
			old INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_guid TEXT NOT NULL,
			map_guid TEXT NOT NULL,
			platform_id TEXT NOT NULL,
			username TEXT NOT NULL,
			multiplied_score INTEGER NOT NULL DEFAULT 0,
			modified_score INTEGER NOT NULL DEFAULT 0,
			max_possible_score INTEGER NOT NULL DEFAULT 0,
			accuracy REAL NOT NULL DEFAULT 0,
			notes_missed INTEGER NOT NULL DEFAULT 0,
			bad_cuts INTEGER NOT NULL DEFAULT 0,
			good_cuts INTEGER NOT NULL DEFAULT 0,
			max_combo INTEGER NOT NULL DEFAULT 0,
			full_combo INTEGER NOT NULL DEFAULT 0,
			is_placeholder INTEGER NOT NULL DEFAULT 0,
			refunded INTEGER NOT NULL DEFAULT 0,
			old INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS bot_tokens (
			token_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			username TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_map_platform ON scores(map_guid, platform_id)`,
		`CREATE INDEX IF NOT EXISTS idx_authorized_users_lookup ON authorized_users(tournament_guid, user_id)`,
	}

	for _, stmt := range schema {
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

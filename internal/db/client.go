// Package db provides the sqlite index repository: mailbox state, message
// metadata, summaries, job records and job events. It is the only resource
// shared between the orchestrator and worker processes; all coordination
// happens through it.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Client wraps the sqlite connection pool. Operations use short-lived
// implicit transactions so background jobs never starve dashboard reads.
type Client struct {
	db *sqlx.DB
}

// Open opens (or creates) the index database at dbPath, enables WAL mode,
// and applies any pending schema migrations.
func Open(dbPath string) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL keeps concurrent readers (dashboard) unblocked while a worker
	// writes; busy_timeout covers the orchestrator/worker overlap window.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	c := &Client{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return c, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// migrate applies outstanding schema migrations in order.
func (c *Client) migrate() error {
	if _, err := c.db.Exec(
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)",
	); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	if err := c.db.Get(&version,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version",
	); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := c.db.Exec(
			"INSERT INTO schema_version(version) VALUES (?)", m.version,
		); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	return nil
}

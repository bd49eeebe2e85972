// Package database provides the embedded SQLite client and migration
// utilities. One database file (or a shared-cache memory URI) is the single
// store for jobs, asks, answers, events, artifact metadata, and the
// decision cache.
package database

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
)

// Driver selects the storage backing.
type Driver string

// Storage drivers.
const (
	DriverMemory Driver = "memory"
	DriverSQLite Driver = "sqlite"
)

// Config holds storage configuration.
type Config struct {
	Driver Driver
	// Path is the database file path when Driver is DriverSQLite.
	Path string
}

// Client wraps the sql.DB handle for the embedded store.
type Client struct {
	db *sql.DB
}

// DB returns the underlying database handle.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the database.
func (c *Client) Close() error { return c.db.Close() }

// DSN builds the sqlite3 connection string. File databases run in WAL mode;
// both variants enable foreign keys and a busy timeout so concurrent workers
// queue on the write lock instead of failing with SQLITE_BUSY.
func (cfg Config) DSN() (string, error) {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")

	switch cfg.Driver {
	case DriverMemory:
		// Shared cache keeps every connection in the pool on the same
		// in-memory database.
		return "file::memory:?cache=shared&" + params.Encode(), nil
	case DriverSQLite:
		if cfg.Path == "" {
			return "", fmt.Errorf("sqlite driver requires a database path")
		}
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "NORMAL")
		return "file:" + cfg.Path + "?" + params.Encode(), nil
	default:
		return "", fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// NewClient opens the database and applies pending migrations.
func NewClient(cfg Config) (*Client, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite permits one writer at a time; a single connection avoids
	// lock contention between pool connections and keeps the in-memory
	// variant on one attached database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

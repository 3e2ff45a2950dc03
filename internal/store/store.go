// Package store provides the local embedded store for the traintrack
// sync core: an SQLite database holding the device's durable copy of
// every syncable entity plus the single-row sync metadata.
//
// The database runs embedded with WAL mode so foreground reads by the
// app can proceed while a sync pass writes. Schema is generated from the
// entity registry: one table per entity type with foreign keys matching
// the dependency graph and indexes on (user_id) and (pending_sync) for
// the pending-scan queries the push pipeline performs.
//
// Workflow:
//  1. The app writes rows locally with pending_sync=1
//  2. The push pipeline uploads pending rows and clears the flag
//  3. The pull pipeline reconciles deletions and merges remote rows
//     inside a single deferred-foreign-key transaction
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/traintrack/traintrack/internal/entity"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with sync-core specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting the row helpers run both inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout and foreign_keys are per-connection settings; the DSN
	// applies them to every connection the pool opens.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL keeps foreground reads working while a sync pass writes. The
	// journal mode is persistent, setting it once covers the pool.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist: one table per entity
// type plus sync_meta. Idempotent, safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if err := entity.ValidateGraph(); err != nil {
		return fmt.Errorf("entity registry invalid: %w", err)
	}

	for _, typ := range entity.Types {
		for _, stmt := range tableDDL(typ) {
			if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create %s table: %w", typ.Table, err)
			}
		}
	}

	meta := `
	CREATE TABLE IF NOT EXISTS sync_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_sync_at TEXT,
		user_id TEXT
	)`
	if _, err := db.conn.ExecContext(ctx, meta); err != nil {
		return fmt.Errorf("failed to create sync_meta table: %w", err)
	}

	return nil
}

// tableDDL builds the CREATE statements for one entity type: the table
// with its parent foreign key (ON DELETE CASCADE carries remote deletions
// down the dependency chain) and the user/pending indexes.
func tableDDL(t *entity.Type) []string {
	fkCol := ""
	if t.Parent != nil {
		notNull := ""
		if t.ParentRequired {
			notNull = " NOT NULL"
		}
		fkCol = fmt.Sprintf(",\n\t\t%s TEXT%s REFERENCES %s(id) ON DELETE CASCADE",
			t.ParentKey, notNull, t.Parent.Table)
	}

	stmts := []string{fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		pending_sync INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0%s
	)`, t.Table, fkCol),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)`, t.Table, t.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s(pending_sync)`, t.Table, t.Table),
	}
	if t.Parent != nil {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)`,
			t.Table, t.ParentKey, t.Table, t.ParentKey))
	}
	return stmts
}

// Tx is a transaction over the local store with foreign key checks
// deferred to commit time. The pull pipeline runs its whole pass inside
// one Tx so deletion reconciliation and fixed-order upserts may
// transiently violate referential integrity; commit verifies the end
// state and rollback restores enforcement on every exit path.
type Tx struct {
	tx *sql.Tx
}

// BeginDeferred starts a transaction with deferred foreign key checks.
func (db *DB) BeginDeferred(ctx context.Context) (*Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to defer foreign keys: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction; deferred constraints are checked here.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect is the SQL flavor of the connected database
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps a database handle and rewrites $n placeholders for SQLite.
// Queries must use each placeholder once, in ascending order.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// NewDB opens a database. postgres:// and postgresql:// URLs use lib/pq;
// anything else is treated as a SQLite path (":memory:" for an in-memory store).
func NewDB(ctx context.Context, url string) (*DB, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("database url is empty")
	}

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialect = DialectPostgres
		db, err = sql.Open("postgres", url)
	} else {
		dialect = DialectSQLite
		dsn := strings.TrimPrefix(url, "sqlite://")
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create database dir: %w", err)
				}
			}
			dsn = "file:" + dsn
		}
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// One connection: an in-memory database is per-connection and
		// file databases serialize writers anyway
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{sql: db, dialect: dialect}
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(pingCtx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}
	if err := d.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Dialect returns the SQL flavor in use
func (db *DB) Dialect() Dialect { return db.dialect }

// Close closes the database
func (db *DB) Close() error { return db.sql.Close() }

var placeholder = regexp.MustCompile(`\$\d+`)

func (db *DB) rebind(query string) string {
	if db.dialect != DialectSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// ExecContext executes a statement
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.sql.ExecContext(ctx, db.rebind(query), args...)
}

// QueryContext runs a query returning rows
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, db.rebind(query), args...)
}

// QueryRowContext runs a query returning at most one row
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.sql.QueryRowContext(ctx, db.rebind(query), args...)
}

// Tx is a transaction with the same placeholder handling as DB
type Tx struct {
	tx *sql.Tx
	db *DB
}

// BeginTx starts a transaction
func (db *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, db: db}, nil
}

// ExecContext executes a statement in the transaction
func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.rebind(query), args...)
}

// QueryRowContext runs a single-row query in the transaction
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.rebind(query), args...)
}

// Commit commits the transaction
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction
func (t *Tx) Rollback() error { return t.tx.Rollback() }

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrUnknownDriver is returned for drivers other than postgres and sqlite.
var ErrUnknownDriver = errors.New("unknown database driver")

// Dialect selects the SQL variant spoken by the connection.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// DB wraps the database connection
type DB struct {
	conn    *sql.DB
	dialect Dialect
}

// New creates a new database connection for driver ("postgres" or "sqlite")
func New(driver, dsn string) (*DB, error) {
	var (
		conn    *sql.DB
		dialect Dialect
		err     error
	)

	switch driver {
	case "postgres":
		dialect = Postgres
		conn, err = sql.Open("postgres", dsn)
	case "sqlite":
		dialect = SQLite
		conn, err = sql.Open("sqlite", sqliteDSN(dsn))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		// One writer at a time; this is what serializes concurrent closers.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, dialect: dialect}

	// Initialize tables and indexes
	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.createIndexes(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return db, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// forUpdate is the row-lock clause for reads that precede an aggregate write.
// SQLite has no row locks; its single writer connection already serializes.
func (db *DB) forUpdate() string {
	if db.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// rebind rewrites ? placeholders into the dialect's form.
func (db *DB) rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Printf("Warning: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// createTables creates the necessary tables. Timestamps are unix seconds and
// activity days are YYYY-MM-DD text so both dialects share one schema.
func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			total_seconds BIGINT NOT NULL DEFAULT 0,
			xp BIGINT NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 1,
			level_name TEXT NOT NULL DEFAULT '',
			last_seen_at BIGINT,
			nickname TEXT,
			student_no TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			PRIMARY KEY (user_id, guild_id)
		)`,
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT,
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			credited INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (user_id, guild_id) REFERENCES users (user_id, guild_id)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_streaks (
			user_id TEXT NOT NULL,
			guild_id TEXT NOT NULL,
			streak_date TEXT NOT NULL,
			PRIMARY KEY (user_id, guild_id, streak_date)
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// createIndexes adds the lookup indexes used by recovery and the reader
func (db *DB) createIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS voice_sessions_open_idx ON voice_sessions (started_at) WHERE ended_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS voice_sessions_user_idx ON voice_sessions (user_id, guild_id, ended_at)`,
	}

	for _, index := range indexes {
		if _, err := db.conn.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

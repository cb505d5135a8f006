// Package store is the transactional relational layer beneath the
// orchestrator. All task, attempt, product, metadata, log and queue state
// lives here; the store is the sole arbiter of concurrent correctness.
//
// Two drivers sit behind the same interface: SQLite (embedded, file-based)
// and PostgreSQL (server). Queries are written with `?` placeholders and
// rewritten per driver.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/calder/transitpipe/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Error wraps any database-layer failure so callers can recognise store
// errors as a class while still unwrapping the driver cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Store manages the pipeline database.
type Store struct {
	db     *sql.DB
	driver string

	// MaxLogMessageLength caps stored log messages (0 = unlimited).
	MaxLogMessageLength int
}

// Open connects to the configured database. For the SQLite driver the
// parent directory is created and the connection is tuned for concurrent
// access; schema creation is a separate, explicitly destructive step
// (InitSchema).
func Open(cfg config.StoreConfig) (*Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return openSQLite(cfg.Path)
	case config.DriverPostgres:
		return openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openSQLite(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, wrap("create database directory", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, wrap("open database", err)
	}

	// busy_timeout must come first so the remaining pragmas wait on locks
	// instead of failing during concurrent start-up.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, wrap("set "+pragma, err)
		}
	}

	// A single writer connection sidesteps SQLITE_BUSY between the worker's
	// main loop and its heartbeat goroutine.
	db.SetMaxOpenConns(1)

	return &Store{db: db, driver: config.DriverSQLite}, nil
}

func openPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, wrap("open database", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, driver: config.DriverPostgres}, nil
}

// execWithRetry executes a statement with exponential backoff on SQLite
// lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// InitSchema (re)creates the schema from the embedded DDL script. This is
// destructive: every table is dropped first. It must never be invoked
// implicitly at runtime; the CLI exposes it behind an explicit command, and
// a file lock guards against a concurrently open embedded store.
func (s *Store) InitSchema(ctx context.Context, lockPath string) error {
	if lockPath != "" {
		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return wrap("acquire schema lock", err)
		}
		if !locked {
			return fmt.Errorf("store: schema lock %s held by another process", lockPath)
		}
		defer lock.Unlock()
	}

	ddl := schemaSQL
	if s.driver == config.DriverPostgres {
		ddl = strings.ReplaceAll(ddl, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{
			"log_messages", "metadata_items", "metadata_keywords",
			"task_file_inputs", "task_metadata_inputs",
			"file_product_versions", "file_products", "semantic_types",
			"task_attempts", "tasks", "worker_hosts",
		} {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		for _, stmt := range splitStatements(ddl) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w\nstatement: %s", err, stmt)
			}
		}
		return nil
	})
}

// splitStatements breaks the DDL script into executable statements. Comment
// lines are dropped before splitting so a semicolon inside a comment cannot
// truncate the statement that follows it. The schema deliberately avoids
// semicolons inside literals.
func splitStatements(script string) []string {
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

// rebind rewrites `?` placeholders to the driver's native style.
func (s *Store) rebind(query string) string {
	if s.driver != config.DriverPostgres {
		return query
	}
	var b strings.Builder
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

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Every multi-statement mutation goes through here.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrap("transaction", err)
	}
	return wrap("commit", tx.Commit())
}

// exec runs a single parameterised statement outside an explicit
// transaction scope.
func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return res, wrap("exec", err)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	return rows, wrap("query", err)
}

// insertReturningID inserts a row and returns its generated id, papering
// over the LastInsertId / RETURNING split between the two drivers.
func (s *Store) insertReturningID(ctx context.Context, tx *sql.Tx, query, idColumn string, args ...interface{}) (int64, error) {
	if s.driver == config.DriverPostgres {
		q := s.rebind(query) + " RETURNING " + idColumn
		var id int64
		var err error
		if tx != nil {
			err = tx.QueryRowContext(ctx, q, args...).Scan(&id)
		} else {
			err = s.db.QueryRowContext(ctx, q, args...).Scan(&id)
		}
		return id, wrap("insert", err)
	}

	var res sql.Result
	var err error
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		res, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return 0, wrap("insert", err)
	}
	id, err := res.LastInsertId()
	return id, wrap("insert id", err)
}

// now returns the current time in the resolution the store keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Package sqlite implements the store engine on a single SQLite file
// with WAL mode and FTS5 search.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/untoldecay/ThreadLoom/internal/store"
)

const (
	beginMaxAttempts = 7
	beginBaseDelay   = 20 * time.Millisecond
	beginMaxDelay    = 2 * time.Second
	shutdownWait     = 5 * time.Second
)

// setupWASMCache configures WASM compilation caching so the embedded
// SQLite build is compiled once per machine instead of on every start.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "threadloom", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Engine is the SQLite-backed store engine. One write connection and one
// read pool share the database file; writes are serialized through a
// process-wide lock, reads run concurrently.
type Engine struct {
	path string
	log  *logrus.Entry

	// initMu guards lazy initialization; writeMu is the process-wide
	// writer lock.
	initMu      sync.Mutex
	writeMu     sync.Mutex
	initialized atomic.Bool
	closed      atomic.Bool

	writeDB *sql.DB
	readDB  *sql.DB
}

// querier is the shared query surface of *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ store.Engine = (*Engine)(nil)

// New creates an engine for the database at path. Connections are opened
// lazily on first use. Use ":memory:" for an ephemeral database.
func New(path string, log *logrus.Logger) *Engine {
	return &Engine{
		path: path,
		log:  log.WithField("component", "store"),
	}
}

// Path returns the database file path.
func (e *Engine) Path() string { return e.path }

// ensureOpen lazily opens the connections, guarded by double-checked
// locking so concurrent first calls initialize exactly once.
func (e *Engine) ensureOpen(ctx context.Context) error {
	if e.closed.Load() {
		return store.ErrShuttingDown
	}
	if e.initialized.Load() {
		return nil
	}
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.initialized.Load() {
		return nil
	}
	if err := e.open(ctx); err != nil {
		return err
	}
	e.initialized.Store(true)
	return nil
}

func (e *Engine) open(ctx context.Context) error {
	if e.path == ":memory:" {
		// Shared in-memory database. WAL does not apply; a single
		// connection serves both reads and writes so every handle sees
		// the same data.
		connStr := "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		db, err := sql.Open("sqlite3", connStr)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		e.writeDB = db
		e.readDB = db
		return e.createMetaTable(ctx)
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0o750); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	writeStr := "file:" + e.path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	writeDB, err := sql.Open("sqlite3", writeStr)
	if err != nil {
		return fmt.Errorf("failed to open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	if err := writeDB.PingContext(ctx); err != nil {
		_ = writeDB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	e.writeDB = writeDB

	if err := e.createMetaTable(ctx); err != nil {
		_ = writeDB.Close()
		e.writeDB = nil
		return err
	}

	readStr := "file:" + e.path + "?mode=ro&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	readDB, err := sql.Open("sqlite3", readStr)
	if err != nil {
		_ = writeDB.Close()
		e.writeDB = nil
		return fmt.Errorf("failed to open read connection: %w", err)
	}
	readDB.SetMaxOpenConns(runtime.NumCPU() + 1)
	e.readDB = readDB

	e.log.WithField("path", e.path).Info("store opened")
	return nil
}

func (e *Engine) createMetaTable(ctx context.Context) error {
	_, err := e.writeDB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _stores (
			name TEXT PRIMARY KEY,
			schema_json TEXT NOT NULL,
			cacheable INTEGER NOT NULL DEFAULT 0,
			parent TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	return nil
}

// reader returns the read connection pool, opening lazily.
func (e *Engine) reader(ctx context.Context) (querier, error) {
	if err := e.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return e.readDB, nil
}

// withWriteTx runs fn inside a BEGIN IMMEDIATE transaction on a
// dedicated connection. The writer lock is held for the whole
// transaction; BEGIN retries with exponential backoff and jitter while
// the database is busy.
func (e *Engine) withWriteTx(ctx context.Context, fn func(ctx context.Context, tx querier) error) error {
	if err := e.ensureOpen(ctx); err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed.Load() {
		return store.ErrShuttingDown
	}

	conn, err := e.writeDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire write connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even when ctx
			// is already cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry acquires the writer lock up front. SQLITE_BUSY
// is retried with exponential backoff; everything else is permanent.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = beginBaseDelay
	bo.MaxInterval = beginMaxDelay
	bo.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if isBusyError(err) && attempts < beginMaxAttempts {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: writer lock unavailable after %d attempts: %v", store.ErrBusy, attempts, err)
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	return nil
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// Shutdown refuses new work, checkpoints the WAL, and closes both
// connections. Each close gets a bounded wait; on timeout the handle is
// abandoned.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	if !e.initialized.Load() {
		return nil
	}

	// Take the writer lock so no transaction is in flight while the WAL
	// is flushed.
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	checkpointCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if _, err := e.writeDB.ExecContext(checkpointCtx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		e.log.WithError(err).Warn("wal checkpoint failed during shutdown")
	}

	var firstErr error
	for _, db := range []*sql.DB{e.readDB, e.writeDB} {
		if db == nil {
			continue
		}
		if err := closeWithTimeout(db, shutdownWait); err != nil && firstErr == nil {
			firstErr = err
		}
		if e.readDB == e.writeDB {
			break
		}
	}
	e.log.Info("store closed")
	return firstErr
}

func closeWithTimeout(db *sql.DB, wait time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- db.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(wait):
		return fmt.Errorf("timed out closing database after %s", wait)
	}
}

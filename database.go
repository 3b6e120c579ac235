package sqlitecore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Database is a single logical SQLite database: a bounded reader pool, a
// single-slot writer pool, and the WAL/busy_timeout setup both share. One
// Database exists per canonical path for the lifetime of its last strong
// reference (see Registry); callers never construct one directly.
type Database struct {
	path   string
	config DatabaseConfig

	reader *connPool
	writer *connPool

	metrics *Metrics

	// registry/registryKey are set by Registry.install when this Database
	// was opened through a Registry, so Close can remove its own entry
	// rather than waiting on GC (see Registry.remove). Both stay nil/""
	// for a Database opened directly via Open.
	registry    *Registry
	registryKey string

	walOnce   sync.Once
	walErr    error
	walInited atomic.Bool
	closed    atomic.Bool
}

// WithMetrics attaches m so AcquireWriter records wait-time and
// acquisition-count instruments against it. Passing nil disables
// recording (the zero value of *Metrics already no-ops, but this reads
// more clearly at call sites that want to opt out explicitly).
func (d *Database) WithMetrics(m *Metrics) *Database {
	d.metrics = m
	return d
}

// Open creates a Database directly, bypassing the Registry's weak-pointer
// cache. Most callers want Registry.GetOrOpen instead, which deduplicates
// concurrent opens of the same path; Open is exposed for callers (tests,
// single-database programs) that don't need registry-wide sharing.
func Open(ctx context.Context, path string, cfg DatabaseConfig) (*Database, error) {
	reader, err := openPool(path, true, cfg, int(cfg.maxReadConnections()))
	if err != nil {
		return nil, NewError(KindIO, "open_reader_pool", err)
	}
	writer, err := openPool(path, false, cfg, 1)
	if err != nil {
		_ = reader.close()
		return nil, NewError(KindIO, "open_writer_pool", err)
	}

	// Reader connections open with mode=ro and cannot create a missing
	// file, so one read-write connection from the writer pool creates it.
	if !isMemoryPath(path) {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			conn, err := writer.acquireConn(ctx)
			if err != nil {
				_ = reader.close()
				_ = writer.close()
				return nil, NewError(KindIO, "create_database_file", err)
			}
			_ = conn.Close()
		}
	}

	d := &Database{path: path, config: cfg, reader: reader, writer: writer}
	return d, nil
}

// initWAL sets journal_mode=WAL and synchronous=NORMAL once per Database,
// on a connection borrowed from the writer pool and returned to it
// afterwards.
// Bare in-memory databases skip WAL: SQLite does not support WAL for
// ":memory:" and silently ignores the pragma, so there is nothing to
// verify.
//
// Lazy by design (spec.md §3, §4.B, §8 invariant 2): this only runs from
// AcquireWriter, on its first call after the closed check and before the
// writer slot is waited for, never from Open or from AcquireReader. walOnce makes every call after the first a no-op that
// just replays walErr.
func (d *Database) initWAL(ctx context.Context) error {
	d.walOnce.Do(func() {
		if isMemoryPath(d.path) && !isSharedMemoryPath(d.path) {
			return
		}
		conn, err := d.writer.acquireConn(ctx)
		if err != nil {
			d.walErr = NewError(KindIO, "init_wal", err)
			return
		}
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			d.walErr = NewError(KindIO, "init_wal", fmt.Errorf("set journal_mode: %w", err))
			return
		}
		if _, err := conn.ExecContext(ctx, "PRAGMA synchronous=NORMAL"); err != nil {
			d.walErr = NewError(KindIO, "init_wal", fmt.Errorf("set synchronous: %w", err))
			return
		}
		d.walInited.Store(true)
	})
	return d.walErr
}

// Path returns the path this Database was opened with (not the canonical
// form the Registry keys on).
func (d *Database) Path() string { return d.path }

// AcquireWriter blocks until the single writer slot is free, then returns
// a WriteGuard wrapping a dedicated connection. Callers must Release it.
func (d *Database) AcquireWriter(ctx context.Context) (*WriteGuard, error) {
	if d.closed.Load() {
		return nil, NewError(KindDatabaseClosed, "acquire_writer", ErrDatabaseClosed)
	}
	if err := d.initWAL(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	conn, release, err := d.writer.acquireWrite(ctx)
	if err != nil {
		return nil, NewError(KindSQL, "acquire_writer", err)
	}
	d.metrics.recordWriterWait(ctx, time.Since(start).Seconds())
	return newWriteGuard(conn, release), nil
}

// AcquireReader returns a dedicated reader connection and a release
// function the caller must invoke exactly once.
func (d *Database) AcquireReader(ctx context.Context) (*sql.Conn, func(), error) {
	if d.closed.Load() {
		return nil, nil, NewError(KindDatabaseClosed, "acquire_reader", ErrDatabaseClosed)
	}
	conn, err := d.reader.acquireConn(ctx)
	if err != nil {
		return nil, nil, NewError(KindSQL, "acquire_reader", err)
	}
	return conn, func() { _ = conn.Close() }, nil
}

// WriterDB exposes the underlying *sql.DB backing the writer pool, for
// sub-packages (attach, txn, observe) that need direct database/sql access
// beyond a single dedicated connection (e.g. RunMigrations, or opening a
// second dedicated connection for a nested purpose).
func (d *Database) WriterDB() *sql.DB { return d.writer.db }

// ReaderDB exposes the underlying *sql.DB backing the reader pool.
func (d *Database) ReaderDB() *sql.DB { return d.reader.db }

// checkpointWAL issues PRAGMA wal_checkpoint(TRUNCATE) on a dedicated
// writer connection, reducing the -wal file to zero bytes so Remove (or an
// external backup tool) never has to deal with outstanding WAL frames.
func (d *Database) checkpointWAL(ctx context.Context) error {
	conn, err := d.writer.acquireConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close waits for in-flight readers and the writer to drain, then closes
// both pools. Close is idempotent.
func (d *Database) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.registry != nil {
		d.registry.remove(d.registryKey, d)
	}
	if err := d.reader.idleWait(ctx); err != nil {
		return NewError(KindIO, "close", err)
	}
	if err := d.writer.idleWait(ctx); err != nil {
		return NewError(KindIO, "close", err)
	}
	var firstErr error
	if err := d.reader.close(); err != nil {
		firstErr = err
	}
	// Checkpoint only if WAL was actually turned on for this Database; a
	// database that was opened but never written to may have a
	// pre-existing WAL file left by another process, and spec.md leaves
	// that file unchecked rather than disturbing state this Database
	// never initialized. Checkpoint errors are logged and swallowed —
	// only the pool close below can fail this call.
	if d.walInited.Load() {
		if err := d.checkpointWAL(ctx); err != nil {
			slog.Default().Warn("wal checkpoint failed on close", "path", d.path, "error", err)
		}
	}
	if err := d.writer.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return NewError(KindIO, "close", firstErr)
	}
	return nil
}

// Remove closes the database (if not already closed) and deletes the
// database file along with its -wal/-shm sidecars. A no-op for in-memory
// paths.
func (d *Database) Remove(ctx context.Context) error {
	if err := d.Close(ctx); err != nil {
		return err
	}
	if isMemoryPath(d.path) {
		return nil
	}
	if err := os.Remove(d.path); err != nil {
		return NewError(KindIO, "remove", err)
	}
	wal, shm := walSidecarPaths(d.path)
	for _, p := range []string{wal, shm} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return NewError(KindIO, "remove", err)
		}
	}
	return nil
}

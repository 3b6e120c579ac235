// Package txn implements the two transaction shapes sqlitecore exposes on
// top of Database.AcquireWriter: atomic batches, where every statement and
// the commit happen inside one call, and interruptible transactions, which
// stay open across separate Begin/Execute/Commit calls and are tracked by
// token so a caller can't accidentally operate on someone else's open
// transaction.
package txn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/corestore/sqlitecore"
	"github.com/corestore/sqlitecore/attach"
)

// Statement is one parameterized SQL statement in an atomic batch.
type Statement struct {
	SQL  string
	Args []any
}

// writerHandle is the subset of sqlitecore.WriteGuard and
// attach.AttachedWriteGuard RunAtomic needs, so the same commit/rollback
// logic works whether or not any database was attached.
type writerHandle interface {
	Conn() *sql.Conn
	Release()
}

// RunAtomic runs every statement in stmts inside a single BEGIN
// IMMEDIATE/COMMIT, acquiring and releasing db's writer guard internally.
// If any statement fails, the transaction is rolled back and the error is
// returned; if the ROLLBACK itself fails, both errors are reported via
// NewRollbackFailedError. This mirrors the teacher's committed-flag defer
// pattern in internal/storage/sqlite/queries.go, generalized from one
// hardcoded statement sequence to an arbitrary caller-supplied batch.
func RunAtomic(ctx context.Context, db *sqlitecore.Database, stmts []Statement) error {
	guard, err := db.AcquireWriter(ctx)
	if err != nil {
		return err
	}
	defer guard.Release()
	return runAtomicOn(ctx, guard, stmts)
}

// RunAtomicAttached is RunAtomic with spec.md §4.H's attached? parameter:
// every ReadWrite spec in specs gets its own Database-level writer lock,
// acquired in the deadlock-free order attach.AcquireWriter defines, for
// the lifetime of this one batch.
func RunAtomicAttached(ctx context.Context, db *sqlitecore.Database, stmts []Statement, specs []attach.Spec, resolve attach.Resolver) error {
	guard, err := attach.AcquireWriter(ctx, db, specs, resolve)
	if err != nil {
		return err
	}
	defer guard.Release()

	if err := runAtomicOn(ctx, guard, stmts); err != nil {
		return err
	}
	// The batch already committed durably at this point; a Detach failure
	// must not read back to the caller as "the batch failed" (KindSQL), or
	// a caller that retries on error would double-apply already-committed
	// writes. Report it as KindDetachFailed instead.
	if err := guard.Detach(ctx); err != nil {
		return sqlitecore.NewError(sqlitecore.KindDetachFailed, "run_atomic_attached_detach", err)
	}
	return nil
}

// RunAtomic is RunAtomic tracked by c's abort-handle registry: the batch's
// context is wrapped in its own cancelable derivative, registered under a
// fresh token for the duration of the call, so a concurrent c.AbortAll
// (e.g. at shutdown) can cut the batch short instead of leaving
// shutdown waiting on it to finish on its own.
func (c *Coordinator) RunAtomic(ctx context.Context, db *sqlitecore.Database, stmts []Statement) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := c.registerAtomicAbort(cancel)
	defer unregister()
	return RunAtomic(ctx, db, stmts)
}

// RunAtomicAttached is RunAtomicAttached tracked by c's abort-handle
// registry; see RunAtomic.
func (c *Coordinator) RunAtomicAttached(ctx context.Context, db *sqlitecore.Database, stmts []Statement, specs []attach.Spec, resolve attach.Resolver) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := c.registerAtomicAbort(cancel)
	defer unregister()
	return RunAtomicAttached(ctx, db, stmts, specs, resolve)
}

func runAtomicOn(ctx context.Context, guard writerHandle, stmts []Statement) error {
	conn := guard.Conn()
	if err := sqlitecore.BeginImmediateWithRetry(ctx, conn); err != nil {
		return sqlitecore.NewError(sqlitecore.KindSQL, "run_atomic_begin", err)
	}

	committed := false
	defer sqlitecore.RollbackOnError(conn, &committed)

	for i, stmt := range stmts {
		bound := make([]any, len(stmt.Args))
		for j, a := range stmt.Args {
			bound[j] = sqlitecore.ToBindParam(a)
		}
		if _, err := conn.ExecContext(ctx, stmt.SQL, bound...); err != nil {
			if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
				committed = true // we already rolled back (or tried); skip the deferred attempt
				return sqlitecore.NewRollbackFailedError(fmt.Sprintf("run_atomic[%d]", i), err, rbErr)
			}
			committed = true
			return sqlitecore.NewError(sqlitecore.KindSQL, fmt.Sprintf("run_atomic[%d]", i), err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
			committed = true
			return sqlitecore.NewRollbackFailedError("run_atomic_commit", err, rbErr)
		}
		committed = true
		return sqlitecore.NewError(sqlitecore.KindSQL, "run_atomic_commit", err)
	}
	committed = true
	return nil
}

// FetchOne runs query and scans at most one row into dest via fn. Returns
// sqlitecore.ErrNotFound if the query produced no rows, and
// *sqlitecore.MultipleRowsError if it produced more than one — this
// package's equivalent of the teacher's QueryRowContext helpers, but
// usable against an already-open transaction connection as well as a
// plain pool connection.
func FetchOne(ctx context.Context, q queryer, query string, args []any, fn func(*sql.Rows) error) error {
	bound := make([]any, len(args))
	for i, a := range args {
		bound[i] = sqlitecore.ToBindParam(a)
	}
	rows, err := q.QueryContext(ctx, query, bound...)
	if err != nil {
		return sqlitecore.NewError(sqlitecore.KindSQL, "fetch_one", err)
	}
	defer rows.Close()

	count := 0
	var scanErr error
	for rows.Next() {
		count++
		if count == 1 {
			scanErr = fn(rows)
		}
	}
	if err := rows.Err(); err != nil {
		return sqlitecore.NewError(sqlitecore.KindSQL, "fetch_one", err)
	}
	if count == 0 {
		return sqlitecore.ErrNotFound
	}
	if count > 1 {
		return &sqlitecore.MultipleRowsError{N: count}
	}
	return scanErr
}

// queryer is the subset of *sql.Conn / *sql.DB / *sql.Tx that FetchOne
// needs, so it works uniformly across a pool connection, a dedicated
// WriteGuard connection, or an open InterruptibleTxn.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

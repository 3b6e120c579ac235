package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/corestore/sqlitecore"
	"github.com/corestore/sqlitecore/attach"
)

// InterruptibleTxn is a transaction that stays open across separate
// Execute calls instead of running to completion inside one function,
// guarded by an opaque Token so a caller holding a stale or wrong token
// can't operate on it. At most one InterruptibleTxn may be active per
// database path at a time (spec.md invariant 2); a second Begin on the
// same path fails with ErrTxnAlreadyActive until the first is committed,
// rolled back, or aborted.
type InterruptibleTxn struct {
	Token string

	path      string
	guard     writerHandle
	attached  *attach.AttachedWriteGuard // non-nil iff this txn holds attached-database writer locks
	coord     *Coordinator
	finalized bool
}

// Execute runs one statement against the open transaction.
func (t *InterruptibleTxn) Execute(ctx context.Context, query string, args ...any) error {
	if t.finalized {
		return sqlitecore.NewError(sqlitecore.KindTransactionAlreadyFinalized, "execute", sqlitecore.ErrTxnFinalized)
	}
	bound := make([]any, len(args))
	for i, a := range args {
		bound[i] = sqlitecore.ToBindParam(a)
	}
	if _, err := t.guard.Conn().ExecContext(ctx, query, bound...); err != nil {
		return sqlitecore.NewError(sqlitecore.KindSQL, "execute", err)
	}
	return nil
}

// Read runs query against the open transaction's own connection, the
// defining feature of an InterruptibleTxn (spec.md §4.H, glossary): unlike
// a plain AcquireReader connection, which under WAL reads the last
// committed snapshot and so cannot see this transaction's own uncommitted
// writes, Read runs on t.guard.Conn() itself and sees exactly what Execute
// has written so far. fn is called once per row in order; any error it
// returns stops iteration and is returned from Read.
func (t *InterruptibleTxn) Read(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	if t.finalized {
		return sqlitecore.NewError(sqlitecore.KindTransactionAlreadyFinalized, "read", sqlitecore.ErrTxnFinalized)
	}
	bound := make([]any, len(args))
	for i, a := range args {
		bound[i] = sqlitecore.ToBindParam(a)
	}
	rows, err := t.guard.Conn().QueryContext(ctx, query, bound...)
	if err != nil {
		return sqlitecore.NewError(sqlitecore.KindSQL, "read", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return sqlitecore.NewError(sqlitecore.KindSQL, "read", err)
	}
	return nil
}

// Commit issues COMMIT and releases the writer guard, whether or not the
// commit succeeds — an InterruptibleTxn is single-use either way. If COMMIT
// itself fails, the writes never landed and the returned error is
// KindSQL. If COMMIT succeeds but the subsequent Detach of any attached
// databases fails, the writes are already durable — that failure is
// reported as KindDetachFailed, distinct from KindSQL, so a caller does
// not mistake an already-applied commit for one that needs retrying.
func (t *InterruptibleTxn) Commit(ctx context.Context) error {
	if t.finalized {
		return sqlitecore.NewError(sqlitecore.KindTransactionAlreadyFinalized, "commit", sqlitecore.ErrTxnFinalized)
	}
	_, commitErr := t.guard.Conn().ExecContext(ctx, "COMMIT")
	var detachErr error
	if commitErr == nil && t.attached != nil {
		detachErr = t.attached.Detach(ctx)
	}
	t.finish()
	if commitErr != nil {
		return sqlitecore.NewError(sqlitecore.KindSQL, "commit", commitErr)
	}
	if detachErr != nil {
		return sqlitecore.NewError(sqlitecore.KindDetachFailed, "commit_detach", detachErr)
	}
	return nil
}

// Rollback issues ROLLBACK and releases the writer guard.
func (t *InterruptibleTxn) Rollback(ctx context.Context) error {
	if t.finalized {
		return sqlitecore.NewError(sqlitecore.KindTransactionAlreadyFinalized, "rollback", sqlitecore.ErrTxnFinalized)
	}
	_, err := t.guard.Conn().ExecContext(ctx, "ROLLBACK")
	t.finish()
	if err != nil {
		return sqlitecore.NewError(sqlitecore.KindSQL, "rollback", err)
	}
	return nil
}

func (t *InterruptibleTxn) finish() {
	t.finalized = true
	t.guard.Release()
	t.coord.forget(t.path)
}

// Coordinator tracks the single in-flight InterruptibleTxn per database
// path. One Coordinator is shared by every caller operating against a
// given set of Databases (typically a package-level or application-wide
// singleton), the same way the Registry is shared for Database instances
// themselves.
//
// It also holds the Regular-Transaction abort-handle registry: every atomic
// batch run via the Coordinator's RunAtomic/RunAtomicAttached methods
// (spec.md §3, §4.H) registers a cancel func here for its Execute's
// context, keyed by a fresh token, so AbortAll can cancel in-flight atomic
// batches the same way it rolls back in-flight interruptible ones.
type Coordinator struct {
	mu     sync.Mutex
	active map[string]*InterruptibleTxn

	atomicAborts map[uuid.UUID]context.CancelFunc
}

// NewCoordinator returns an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		active:       make(map[string]*InterruptibleTxn),
		atomicAborts: make(map[uuid.UUID]context.CancelFunc),
	}
}

// registerAtomicAbort records cancel under a fresh token and returns a
// cleanup func that deregisters it; callers defer the cleanup immediately
// after the batch finishes so the registry never outlives the batch it
// describes.
func (c *Coordinator) registerAtomicAbort(cancel context.CancelFunc) func() {
	id := uuid.New()
	c.mu.Lock()
	c.atomicAborts[id] = cancel
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.atomicAborts, id)
		c.mu.Unlock()
	}
}

// Begin starts a new InterruptibleTxn against db, running initial in the
// same BEGIN IMMEDIATE before returning, and failing with
// ErrTxnAlreadyActive if one is already open for db.Path().
func (c *Coordinator) Begin(ctx context.Context, db *sqlitecore.Database, initial []Statement) (*InterruptibleTxn, error) {
	return c.begin(ctx, db.Path(), initial, func(ctx context.Context) (writerHandle, *attach.AttachedWriteGuard, error) {
		guard, err := db.AcquireWriter(ctx)
		return guard, nil, err
	})
}

// BeginAttached is Begin with spec.md §4.H's attached? parameter: every
// ReadWrite spec in specs gets its own Database-level writer lock for the
// lifetime of the returned InterruptibleTxn, released (and, on Commit,
// detached) alongside the main writer.
func (c *Coordinator) BeginAttached(ctx context.Context, db *sqlitecore.Database, initial []Statement, specs []attach.Spec, resolve attach.Resolver) (*InterruptibleTxn, error) {
	return c.begin(ctx, db.Path(), initial, func(ctx context.Context) (writerHandle, *attach.AttachedWriteGuard, error) {
		guard, err := attach.AcquireWriter(ctx, db, specs, resolve)
		if err != nil {
			return nil, nil, err
		}
		return guard, guard, nil
	})
}

func (c *Coordinator) begin(ctx context.Context, path string, initial []Statement, acquire func(context.Context) (writerHandle, *attach.AttachedWriteGuard, error)) (*InterruptibleTxn, error) {
	c.mu.Lock()
	if _, exists := c.active[path]; exists {
		c.mu.Unlock()
		return nil, sqlitecore.NewError(sqlitecore.KindTransactionAlreadyActive, "begin", sqlitecore.ErrTxnAlreadyActive)
	}
	// Reserve the slot before releasing the lock and doing I/O, so two
	// concurrent Begin calls for the same path can't both pass the check
	// above and both acquire the writer.
	c.active[path] = nil
	c.mu.Unlock()

	guard, attached, err := acquire(ctx)
	if err != nil {
		c.forget(path)
		return nil, err
	}
	if err := sqlitecore.BeginImmediateWithRetry(ctx, guard.Conn()); err != nil {
		guard.Release()
		c.forget(path)
		return nil, sqlitecore.NewError(sqlitecore.KindSQL, "begin", err)
	}

	for i, stmt := range initial {
		bound := make([]any, len(stmt.Args))
		for j, a := range stmt.Args {
			bound[j] = sqlitecore.ToBindParam(a)
		}
		if _, err := guard.Conn().ExecContext(ctx, stmt.SQL, bound...); err != nil {
			_, _ = guard.Conn().ExecContext(context.Background(), "ROLLBACK")
			guard.Release()
			c.forget(path)
			return nil, sqlitecore.NewError(sqlitecore.KindSQL, fmt.Sprintf("begin_initial[%d]", i), err)
		}
	}

	t := &InterruptibleTxn{
		Token:    uuid.NewString(),
		path:     path,
		guard:    guard,
		attached: attached,
		coord:    c,
	}
	c.mu.Lock()
	c.active[path] = t
	c.mu.Unlock()
	return t, nil
}

// Lookup returns the active transaction for path if its token matches.
func (c *Coordinator) Lookup(path, token string) (*InterruptibleTxn, error) {
	c.mu.Lock()
	t, ok := c.active[path]
	c.mu.Unlock()
	if !ok || t == nil {
		return nil, sqlitecore.NewError(sqlitecore.KindNoActiveTransaction, "lookup", sqlitecore.ErrNoActiveTxn)
	}
	if t.Token != token {
		return nil, sqlitecore.NewError(sqlitecore.KindInvalidTransactionToken, "lookup", sqlitecore.ErrInvalidToken)
	}
	return t, nil
}

func (c *Coordinator) forget(path string) {
	c.mu.Lock()
	delete(c.active, path)
	c.mu.Unlock()
}

// AbortAll rolls back every open InterruptibleTxn the Coordinator is
// tracking and cancels the context of every atomic batch currently running
// through RunAtomic/RunAtomicAttached. Database.Close does not call it; a
// caller that runs it before closing its databases keeps an open
// interruptible transaction or an in-flight batch from holding the writer
// slot while Close waits for the writer to drain.
func (c *Coordinator) AbortAll(ctx context.Context) {
	c.mu.Lock()
	open := make([]*InterruptibleTxn, 0, len(c.active))
	for _, t := range c.active {
		if t != nil {
			open = append(open, t)
		}
	}
	cancels := make([]context.CancelFunc, 0, len(c.atomicAborts))
	for _, cancel := range c.atomicAborts {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, t := range open {
		_ = t.Rollback(ctx)
	}
	for _, cancel := range cancels {
		cancel()
	}
}

package sqlitecore

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/ncruces/go-sqlite3"
)

// WriteGuard is the single live handle permitted to write to a Database at
// any moment (spec.md invariant 1). Acquire one via Database.AcquireWriter;
// release it via Release (idempotent — a second call is a no-op) or let a
// deferred Release run after the caller's write work completes.
type WriteGuard struct {
	conn    *sql.Conn
	release func()
	raw     *sqlite3.Conn // lazily populated by RawConn
	rawErr  error
	rawOnce sync.Once
	done    atomic.Bool
}

func newWriteGuard(conn *sql.Conn, release func()) *WriteGuard {
	return &WriteGuard{conn: conn, release: release}
}

// Release returns the writer slot to the pool. Safe to call more than once
// and safe to call from a defer alongside an explicit earlier call.
func (g *WriteGuard) Release() {
	if g.done.CompareAndSwap(false, true) {
		g.release()
	}
}

// Conn exposes the dedicated *sql.Conn for callers that need to run
// arbitrary statements (BEGIN IMMEDIATE, ATTACH, PRAGMA) on the writer
// connection directly.
func (g *WriteGuard) Conn() *sql.Conn { return g.conn }

// RawConn returns the low-level *sqlite3.Conn backing this guard, for use
// by the Hook Bridge (observe.RegisterHooks). The handle is cached after
// first use since hook registration happens once per Database lifetime,
// not once per guard.
func (g *WriteGuard) RawConn() (*sqlite3.Conn, error) {
	g.rawOnce.Do(func() {
		g.raw, g.rawErr = rawConn(g.conn)
	})
	return g.raw, g.rawErr
}

// Exec runs a write statement on the guarded connection with bind
// parameters converted via ToBindParam.
func (g *WriteGuard) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return g.conn.ExecContext(ctx, query, bindArgs(args)...)
}

// Query runs a read statement on the guarded connection (e.g. RETURNING
// clauses, or reads inside an already-open write transaction).
func (g *WriteGuard) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return g.conn.QueryContext(ctx, query, bindArgs(args)...)
}

func bindArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = ToBindParam(a)
	}
	return out
}

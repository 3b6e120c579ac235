package sqlitecore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BeginImmediateWithRetry issues "BEGIN IMMEDIATE" on conn, retrying with
// exponential backoff while SQLite reports the database busy. IMMEDIATE
// acquires a RESERVED lock up front rather than on first write, which is
// what makes the writer pool's single-slot serialization meaningful: two
// goroutines racing for the same Database never both believe they hold
// the writer until one of them actually does.
//
// busy_timeout (set once per connection via the DSN) already absorbs most
// contention inside a single BEGIN IMMEDIATE call; this retry loop exists
// for the cases that slip past it — a concurrent writer holding the lock
// for longer than busy_timeout, or a driver that reports SQLITE_BUSY
// before honoring busy_timeout at all.
func BeginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	bctx := backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err != nil && isBusyErr(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, bctx)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// RollbackOnError rolls back conn using a background context (so cleanup
// still runs if the caller's context was canceled) if committed is false.
// Intended for use in a defer immediately after BeginImmediateWithRetry
// succeeds, mirroring the committed-flag pattern the teacher uses around
// BEGIN IMMEDIATE/COMMIT blocks.
func RollbackOnError(conn *sql.Conn, committed *bool) {
	if *committed {
		return
	}
	_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
}

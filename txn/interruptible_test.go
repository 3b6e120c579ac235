package txn

import (
	"context"
	"database/sql"
	"testing"

	"github.com/corestore/sqlitecore"
)

func TestInterruptibleTxnLifecycle(t *testing.T) {
	db := openTestDB(t, "interruptible.db")
	ctx := context.Background()
	coord := NewCoordinator()

	if err := RunAtomic(ctx, db, []Statement{{SQL: "CREATE TABLE t (id INTEGER PRIMARY KEY)"}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	tx, err := coord.Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Execute(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Commit(ctx); err == nil {
		t.Fatalf("expected committing an already-finalized transaction to fail")
	}

	conn, release, err := db.AcquireReader(ctx)
	if err != nil {
		t.Fatalf("AcquireReader: %v", err)
	}
	defer release()
	var count int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row committed, got %d", count)
	}
}

func TestInterruptibleTxnReadSeesUncommittedWrites(t *testing.T) {
	db := openTestDB(t, "interruptible-read.db")
	ctx := context.Background()
	coord := NewCoordinator()

	if err := RunAtomic(ctx, db, []Statement{{SQL: "CREATE TABLE t (id INTEGER PRIMARY KEY)"}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	tx, err := coord.Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.Execute(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// A plain reader connection must not see the uncommitted insert: under
	// WAL it reads the last committed snapshot, which predates this open
	// transaction.
	readerConn, release, err := db.AcquireReader(ctx)
	if err != nil {
		t.Fatalf("AcquireReader: %v", err)
	}
	var readerCount int
	if err := readerConn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&readerCount); err != nil {
		t.Fatalf("reader count: %v", err)
	}
	release()
	if readerCount != 0 {
		t.Fatalf("expected AcquireReader to be isolated from the open transaction, got count=%d", readerCount)
	}

	// Read, against the transaction's own connection, must see it.
	var txCount int
	if err := tx.Read(ctx, "SELECT COUNT(*) FROM t", nil, func(rows *sql.Rows) error {
		return rows.Scan(&txCount)
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if txCount != 1 {
		t.Fatalf("expected Read to see the uncommitted insert, got count=%d", txCount)
	}
}

func TestInterruptibleTxnReadAfterFinalizeFails(t *testing.T) {
	db := openTestDB(t, "interruptible-read-finalized.db")
	ctx := context.Background()
	coord := NewCoordinator()

	if err := RunAtomic(ctx, db, []Statement{{SQL: "CREATE TABLE t (id INTEGER PRIMARY KEY)"}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	tx, err := coord.Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	err = tx.Read(ctx, "SELECT COUNT(*) FROM t", nil, func(rows *sql.Rows) error { return nil })
	if err == nil {
		t.Fatalf("expected Read on a finalized transaction to fail")
	}
	if sqlitecore.KindOf(err) != sqlitecore.KindTransactionAlreadyFinalized {
		t.Fatalf("expected KindTransactionAlreadyFinalized, got %v", sqlitecore.KindOf(err))
	}
}

func TestCoordinatorRejectsSecondConcurrentTxn(t *testing.T) {
	db := openTestDB(t, "interruptible-conflict.db")
	ctx := context.Background()
	coord := NewCoordinator()

	tx, err := coord.Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := coord.Begin(ctx, db, nil); err == nil {
		t.Fatalf("expected a second Begin on the same database to fail")
	} else if sqlitecore.KindOf(err) != sqlitecore.KindTransactionAlreadyActive {
		t.Fatalf("expected KindTransactionAlreadyActive, got %v", sqlitecore.KindOf(err))
	}
}

func TestLookupRejectsWrongToken(t *testing.T) {
	db := openTestDB(t, "interruptible-token.db")
	ctx := context.Background()
	coord := NewCoordinator()

	tx, err := coord.Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := coord.Lookup(db.Path(), "not-the-real-token"); err == nil {
		t.Fatalf("expected Lookup with a wrong token to fail")
	} else if sqlitecore.KindOf(err) != sqlitecore.KindInvalidTransactionToken {
		t.Fatalf("expected KindInvalidTransactionToken, got %v", sqlitecore.KindOf(err))
	}

	if _, err := coord.Lookup(db.Path(), tx.Token); err != nil {
		t.Fatalf("expected Lookup with the correct token to succeed: %v", err)
	}
}

func TestAbortAllRollsBackOpenTransactions(t *testing.T) {
	db := openTestDB(t, "interruptible-abort.db")
	ctx := context.Background()
	coord := NewCoordinator()

	if err := RunAtomic(ctx, db, []Statement{{SQL: "CREATE TABLE t (id INTEGER PRIMARY KEY)"}}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	tx, err := coord.Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Execute(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	coord.AbortAll(ctx)

	// Writer must be free again and the insert must not have committed.
	guard, err := db.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("expected writer to be free after AbortAll: %v", err)
	}
	guard.Release()

	conn, release, err := db.AcquireReader(ctx)
	if err != nil {
		t.Fatalf("AcquireReader: %v", err)
	}
	defer release()
	var count int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected AbortAll to roll back the uncommitted insert, got count=%d", count)
	}
}

package observe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/corestore/sqlitecore"
)

func newObservedDatabase(t *testing.T, ctx context.Context, schema string, tables ...string) *ObservableDatabase {
	t.Helper()
	path := filepath.Join(t.TempDir(), "observed.db")
	db, err := sqlitecore.Open(ctx, path, sqlitecore.DatabaseConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(ctx) })

	guard, err := db.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if _, err := guard.Exec(ctx, schema); err != nil {
		guard.Release()
		t.Fatalf("create schema: %v", err)
	}
	guard.Release()

	o := Wrap(db)
	if err := o.Enable(ctx, BrokerConfig{}, ObserverConfig{Tables: tables}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	t.Cleanup(func() { _ = o.Disable(ctx) })
	return o
}

func TestObservableDatabaseReportsRowIDAndPrimaryKey(t *testing.T) {
	ctx := context.Background()
	o := newObservedDatabase(t, ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`, "widgets")

	sub, err := o.Subscribe(ctx, "widgets")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	guard, err := o.Database().AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if _, err := guard.Exec(ctx, `INSERT INTO widgets (id, name) VALUES (1, 'sprocket')`); err != nil {
		guard.Release()
		t.Fatalf("insert: %v", err)
	}
	guard.Release()

	select {
	case change := <-sub.Changes():
		if change.Operation != OpInsert || change.Table != "widgets" {
			t.Fatalf("unexpected change: %+v", change)
		}
		if change.RowID == nil || *change.RowID != 1 {
			t.Fatalf("expected rowid=1, got %+v", change.RowID)
		}
		if len(change.PrimaryKey) != 1 || !change.PrimaryKey[0].Equal(sqlitecore.IntegerValue(1)) {
			t.Fatalf("expected primary key [1], got %+v", change.PrimaryKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the insert change")
	}
}

func TestObservableDatabaseWithoutRowIDHasNilRowID(t *testing.T) {
	ctx := context.Background()
	o := newObservedDatabase(t, ctx,
		`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT) WITHOUT ROWID`, "kv")

	sub, err := o.Subscribe(ctx, "kv")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	guard, err := o.Database().AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if _, err := guard.Exec(ctx, `INSERT INTO kv (k, v) VALUES ('a', 'b')`); err != nil {
		guard.Release()
		t.Fatalf("insert: %v", err)
	}
	guard.Release()

	select {
	case change := <-sub.Changes():
		if change.RowID != nil {
			t.Fatalf("expected nil RowID for a WITHOUT ROWID table, got %v", *change.RowID)
		}
		if len(change.PrimaryKey) != 1 || !change.PrimaryKey[0].Equal(sqlitecore.TextValue("a")) {
			t.Fatalf("expected primary key [\"a\"], got %+v", change.PrimaryKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the insert change")
	}
}

func TestObservableDatabaseIgnoresUnobservedTables(t *testing.T) {
	ctx := context.Background()
	o := newObservedDatabase(t, ctx,
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY); CREATE TABLE gadgets (id INTEGER PRIMARY KEY)`,
		"widgets")

	sub, err := o.Subscribe(ctx, "widgets")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	guard, err := o.Database().AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if _, err := guard.Exec(ctx, `INSERT INTO gadgets (id) VALUES (1)`); err != nil {
		guard.Release()
		t.Fatalf("insert gadgets: %v", err)
	}
	if _, err := guard.Exec(ctx, `INSERT INTO widgets (id) VALUES (1)`); err != nil {
		guard.Release()
		t.Fatalf("insert widgets: %v", err)
	}
	guard.Release()

	select {
	case change := <-sub.Changes():
		if change.Table != "widgets" {
			t.Fatalf("expected only the widgets change to arrive, got %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the widgets change")
	}
}

// TestDisableUnregistersHooksBeforeClosingBroker guards against the stale
// hook hazard spec.md §4.F/§4.G forbid: because the writer pool holds a
// single dedicated connection, a hook left registered after Disable would
// fire against an already-closed Broker on the very next write through
// that same connection. Disable must unregister before close, so a plain
// write afterward (with no observation re-enabled) must succeed cleanly.
func TestDisableUnregistersHooksBeforeClosingBroker(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disable.db")
	db, err := sqlitecore.Open(ctx, path, sqlitecore.DatabaseConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(ctx) })

	guard, err := db.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if _, err := guard.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`); err != nil {
		guard.Release()
		t.Fatalf("create schema: %v", err)
	}
	guard.Release()

	o := Wrap(db)
	if err := o.Enable(ctx, BrokerConfig{}, ObserverConfig{Tables: []string{"widgets"}}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := o.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	guard, err = db.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter after Disable: %v", err)
	}
	defer guard.Release()
	if _, err := guard.Exec(ctx, `INSERT INTO widgets (id) VALUES (1)`); err != nil {
		t.Fatalf("insert after Disable should not touch the closed broker: %v", err)
	}
}

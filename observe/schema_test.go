package observe

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/corestore/sqlitecore"
)

func openTestDB(t *testing.T, name string) *sqlitecore.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	db, err := sqlitecore.Open(context.Background(), path, sqlitecore.DatabaseConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func TestProbeTableReportsColumns(t *testing.T) {
	db := openTestDB(t, "schema.db")
	ctx := context.Background()

	guard, err := db.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if _, err := guard.Conn().ExecContext(ctx, "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL, price REAL)"); err != nil {
		guard.Release()
		t.Fatalf("create table: %v", err)
	}
	guard.Release()

	conn, release, err := db.AcquireReader(ctx)
	if err != nil {
		t.Fatalf("AcquireReader: %v", err)
	}
	defer release()

	info, err := ProbeTable(ctx, conn, "widgets")
	if err != nil {
		t.Fatalf("ProbeTable: %v", err)
	}
	if len(info.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d: %+v", len(info.Columns), info.Columns)
	}
	if info.Columns[0].Name != "id" || info.Columns[0].PrimaryKey != 1 {
		t.Fatalf("expected first column to be the primary key 'id', got %+v", info.Columns[0])
	}
	if info.Columns[1].Name != "name" || !info.Columns[1].NotNull {
		t.Fatalf("expected 'name' to be NOT NULL, got %+v", info.Columns[1])
	}
}

func TestProbeTableUnknownTableReturnsEmpty(t *testing.T) {
	db := openTestDB(t, "schema-empty.db")
	ctx := context.Background()

	conn, release, err := db.AcquireReader(ctx)
	if err != nil {
		t.Fatalf("AcquireReader: %v", err)
	}
	defer release()

	info, err := ProbeTable(ctx, conn, "does_not_exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Columns) != 0 {
		t.Fatalf("expected no columns for an unknown table, got %+v", info.Columns)
	}
}

func TestListTablesExcludesSQLiteInternal(t *testing.T) {
	db := openTestDB(t, "schema-list.db")
	ctx := context.Background()

	guard, err := db.AcquireWriter(ctx)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if _, err := guard.Conn().ExecContext(ctx, "CREATE TABLE a (id INTEGER)"); err != nil {
		guard.Release()
		t.Fatalf("create a: %v", err)
	}
	if _, err := guard.Conn().ExecContext(ctx, "CREATE TABLE b (id INTEGER)"); err != nil {
		guard.Release()
		t.Fatalf("create b: %v", err)
	}
	guard.Release()

	conn, release, err := db.AcquireReader(ctx)
	if err != nil {
		t.Fatalf("AcquireReader: %v", err)
	}
	defer release()

	names, err := ListTables(ctx, conn)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("expected [a b], got %v", names)
	}
}

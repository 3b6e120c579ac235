package sqlitecore

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrator applies one schema change to db. Implementations are expected to
// be idempotent (check PRAGMA table_info / sqlite_master before altering)
// so RunMigrations can be called against an already-migrated database
// without error, matching the per-migration-file pattern in the teacher's
// internal/storage/sqlite/migrations package (e.g. 002_external_ref_column.go
// checks column existence via PRAGMA table_info before running ALTER TABLE).
type Migrator interface {
	Migrate(ctx context.Context, db *sql.DB) error
}

// MigratorFunc adapts a plain function to Migrator.
type MigratorFunc func(ctx context.Context, db *sql.DB) error

func (f MigratorFunc) Migrate(ctx context.Context, db *sql.DB) error { return f(ctx, db) }

// RunMigrations applies each migrator in order against the database's
// underlying writer pool. Migrations run sequentially on the same
// connection pool the writer uses, never a reader, since schema changes
// require a write lock.
//
// Per spec.md §4.B, running migrations is one of the operations that must
// ensure WAL is on before it touches the schema; since WAL initialization
// is otherwise lazy (triggered only by AcquireWriter), RunMigrations
// briefly acquires and releases the writer first so that guarantee holds
// even for a Database no caller has written through yet.
func (d *Database) RunMigrations(ctx context.Context, migrators ...Migrator) error {
	guard, err := d.AcquireWriter(ctx)
	if err != nil {
		return err
	}
	guard.Release()

	for i, m := range migrators {
		if err := m.Migrate(ctx, d.writer.db); err != nil {
			return NewError(KindMigration, fmt.Sprintf("run_migrations[%d]", i), err)
		}
	}
	return nil
}

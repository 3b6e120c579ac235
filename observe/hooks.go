package observe

import (
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/corestore/sqlitecore"
)

// RegisterHooks wires SQLite's preupdate, commit, and rollback hooks on
// raw so row-level mutations flow into broker's buffer (onPreUpdate) and
// get published or discarded when the transaction finishes (onCommit /
// onRollback). Hooks register once per Database lifetime (on the writer's
// raw connection, obtained via WriteGuard.RawConn), not once per
// WriteGuard acquisition — the size-1 writer pool means there is only
// ever one writer connection to hook in the first place.
//
// Hook callbacks run on SQLite's own call stack inside the C/WASM layer;
// a panic escaping one would corrupt that stack, so every callback
// recovers: the preupdate callback through safeHook, the commit and
// rollback callbacks through their own deferred recover.
func RegisterHooks(raw *sqlite3.Conn, dbID string, broker *Broker) error {
	if raw == nil {
		return sqlitecore.NewError(sqlitecore.KindHookRegistration, "register_hooks", fmt.Errorf("nil raw connection"))
	}

	supported, err := hasPreUpdateHookSupport(raw)
	if err != nil {
		return sqlitecore.NewError(sqlitecore.KindHookRegistration, "register_hooks", fmt.Errorf("probe preupdate hook support: %w", err))
	}
	if !supported {
		return sqlitecore.NewError(sqlitecore.KindHookRegistration, "register_hooks",
			fmt.Errorf("linked SQLite was not compiled with SQLITE_ENABLE_PREUPDATE_HOOK; change observation is unavailable on this build"))
	}

	raw.PreUpdateHook(safeHook(func(d sqlite3.PreUpdateData) {
		broker.onPreUpdate(decodeEvent(d))
	}))

	raw.CommitHook(func() (ok bool) {
		ok = true // true = allow the commit to proceed, even after a panic
		defer func() { _ = recover() }()
		broker.onCommit(dbID)
		return true
	})

	raw.RollbackHook(func() {
		defer func() { _ = recover() }()
		broker.onRollback()
	})

	return nil
}

// hasPreUpdateHookSupport probes whether the linked SQLite library was
// built with SQLITE_ENABLE_PREUPDATE_HOOK, mirroring the runtime check the
// original Rust observer ran via `PRAGMA compile_options` before trusting
// sqlite3_preupdate_hook to exist (spec.md §4.F). ncruces/go-sqlite3's
// embedded WASM build always carries this option, so in practice this
// always returns true; the probe exists so a future driver swap or a
// caller-supplied connection to a differently-built SQLite fails loudly at
// registration instead of silently never observing a single row.
func hasPreUpdateHookSupport(raw *sqlite3.Conn) (bool, error) {
	stmt, _, err := raw.Prepare("PRAGMA compile_options")
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	for stmt.Step() {
		if stmt.ColumnText(0) == "ENABLE_PREUPDATE_HOOK" {
			return true, nil
		}
	}
	if err := stmt.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// UnregisterHooks clears all three hooks from raw, e.g. when change
// observation is disabled on a live Database.
func UnregisterHooks(raw *sqlite3.Conn) {
	raw.PreUpdateHook(nil)
	raw.CommitHook(nil)
	raw.RollbackHook(nil)
}

// safeHook wraps a preupdate callback so a panic inside application code
// reacting to it (this package's own decode logic, not caller code) never
// propagates into SQLite's hook dispatch.
func safeHook(fn func(sqlite3.PreUpdateData)) func(sqlite3.PreUpdateData) {
	return func(d sqlite3.PreUpdateData) {
		defer func() { _ = recover() }()
		fn(d)
	}
}

// decodeEvent extracts a PreupdateEvent from SQLite's preupdate callback
// data. The column count and old/new row accessors come from
// PreUpdateData's own Count/Old/New methods (mirroring sqlite3_preupdate_*
// in the C API); a column that errors (e.g. NoChange on an UPDATE that
// didn't touch it) is recorded as NULL rather than aborting the whole
// event, since a partial row is still more useful to a subscriber than a
// suppressed one.
func decodeEvent(d sqlite3.PreUpdateData) PreupdateEvent {
	op := decodeOperation(d.Type)
	event := PreupdateEvent{
		Table:     d.Table,
		Operation: op,
		OldRowID:  d.OldRowID,
		NewRowID:  d.NewRowID,
	}

	count := d.Count()
	if op == OpUpdate || op == OpDelete {
		event.OldValues = decodeRow(d.Old, count)
	}
	if op == OpUpdate || op == OpInsert {
		event.NewValues = decodeRow(d.New, count)
	}
	return event
}

func decodeRow(get func(int) (sqlite3.Value, error), count int) []sqlitecore.ColumnValue {
	values := make([]sqlitecore.ColumnValue, count)
	for i := 0; i < count; i++ {
		v, err := get(i)
		if err != nil {
			values[i] = sqlitecore.NullValue()
			continue
		}
		values[i] = valueToColumnValue(v)
	}
	return values
}

func valueToColumnValue(v sqlite3.Value) sqlitecore.ColumnValue {
	switch v.Type() {
	case sqlite3.INTEGER:
		return sqlitecore.IntegerValue(v.Int64())
	case sqlite3.FLOAT:
		return sqlitecore.RealValue(v.Float())
	case sqlite3.TEXT:
		return sqlitecore.TextValue(v.Text())
	case sqlite3.BLOB:
		return sqlitecore.BlobValue(v.Blob())
	default:
		return sqlitecore.NullValue()
	}
}

func decodeOperation(t int) Operation {
	// Mirrors SQLITE_INSERT/SQLITE_UPDATE/SQLITE_DELETE's C-API values
	// (18/23/9), which the preupdate hook's type field reuses.
	switch t {
	case 18:
		return OpInsert
	case 9:
		return OpDelete
	default:
		return OpUpdate
	}
}

func subjectFor(dbID, table string) string {
	return fmt.Sprintf("changes.%s.%s", dbID, table)
}

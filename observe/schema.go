package observe

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// queryer is the narrow interface the schema probe needs — satisfied by
// *sql.Conn, *sql.DB, and *sql.Tx alike, the same "accept the smallest
// interface that does the job" pattern the teacher uses throughout
// internal/storage/sqlite (see metadata_index.go's dbExecutor).
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo describes one column as reported by PRAGMA table_info.
type ColumnInfo struct {
	Name         string
	Type         string
	NotNull      bool
	DefaultValue *string
	PrimaryKey   int
}

// TableInfo describes a table's column layout, used by subscribers that
// want to decode a TableChange's RowID into a full row without hardcoding
// column names.
type TableInfo struct {
	Name    string
	Columns []ColumnInfo
}

// ProbeTable runs PRAGMA table_info(table) and returns its column layout.
// An empty Columns slice (with no error) means the table does not exist —
// PRAGMA table_info never errors on an unknown name, it simply returns no
// rows.
func ProbeTable(ctx context.Context, exec queryer, table string) (TableInfo, error) {
	rows, err := exec.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return TableInfo{}, fmt.Errorf("probe table %q: %w", table, err)
	}
	defer rows.Close()

	info := TableInfo{Name: table}
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dflt       *string
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &primaryKey); err != nil {
			return TableInfo{}, fmt.Errorf("scan table_info(%q): %w", table, err)
		}
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			Type:         ctype,
			NotNull:      notnull != 0,
			DefaultValue: dflt,
			PrimaryKey:   primaryKey,
		})
	}
	if err := rows.Err(); err != nil {
		return TableInfo{}, err
	}
	return info, nil
}

// PKInfo is spec.md's "Table Info": the primary-key shape of a table,
// sampled lazily on first observation and cached by the Broker for the
// rest of its lifetime (spec.md §4.I).
type PKInfo struct {
	// PKColumns is the ordered list of zero-based column indices that
	// make up the primary key, sorted by ascending PK rank so composite
	// keys come out in declaration order.
	PKColumns []int
	// WithoutRowID is true if the table was declared WITHOUT ROWID, in
	// which case a TableChange for it always has a nil RowID.
	WithoutRowID bool
}

// ProbePK derives PKInfo for table from PRAGMA table_info plus a
// sqlite_master schema-text check for "WITHOUT ROWID" (SQLite exposes no
// dedicated pragma for that flag; reading it back off the table's own
// CREATE TABLE text is the standard workaround). found is false if the
// table does not exist — ProbeTable's PRAGMA silently returns no rows for
// an unknown table rather than erroring, so callers must check found
// before treating a zero-column without-rowid result as real.
func ProbePK(ctx context.Context, exec queryer, table string) (info PKInfo, found bool, err error) {
	cols, err := ProbeTable(ctx, exec, table)
	if err != nil {
		return PKInfo{}, false, err
	}
	if len(cols.Columns) == 0 {
		return PKInfo{}, false, nil
	}

	type ranked struct{ idx, rank int }
	var pk []ranked
	for i, c := range cols.Columns {
		if c.PrimaryKey > 0 {
			pk = append(pk, ranked{idx: i, rank: c.PrimaryKey})
		}
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].rank < pk[j].rank })
	pkCols := make([]int, len(pk))
	for i, r := range pk {
		pkCols[i] = r.idx
	}

	withoutRowID, err := isWithoutRowID(ctx, exec, table)
	if err != nil {
		return PKInfo{}, false, err
	}
	return PKInfo{PKColumns: pkCols, WithoutRowID: withoutRowID}, true, nil
}

func isWithoutRowID(ctx context.Context, exec queryer, table string) (bool, error) {
	rows, err := exec.QueryContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		return false, fmt.Errorf("read schema sql for %q: %w", table, err)
	}
	defer rows.Close()

	if rows.Next() {
		var schemaSQL sql.NullString
		if err := rows.Scan(&schemaSQL); err != nil {
			return false, err
		}
		return strings.Contains(strings.ToUpper(schemaSQL.String), "WITHOUT ROWID"), rows.Err()
	}
	return false, rows.Err()
}

// ListTables returns every user-defined table name in the schema,
// excluding SQLite's own internal sqlite_% tables.
func ListTables(ctx context.Context, exec queryer) ([]string, error) {
	rows, err := exec.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

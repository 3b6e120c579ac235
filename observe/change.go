package observe

import (
	"fmt"
	"time"

	"github.com/corestore/sqlitecore"
)

// Operation identifies the kind of row mutation a TableChange reports.
type Operation int

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// PreupdateEvent is what the Hook Bridge extracts from SQLite's preupdate
// callback for a single row mutation, before the Broker decides whether
// it is observed and, if so, converts it into a TableChange.
type PreupdateEvent struct {
	Table     string
	Operation Operation
	OldRowID  int64
	NewRowID  int64
	// OldValues is non-nil iff Operation is Update or Delete.
	OldValues []sqlitecore.ColumnValue
	// NewValues is non-nil iff Operation is Insert or Update.
	NewValues []sqlitecore.ColumnValue
}

// TableChange is one row-level mutation published to subscribers, or the
// Lagged sentinel reported in its place when a subscriber couldn't keep
// up.
type TableChange struct {
	Table     string
	Operation Operation
	// RowID is nil for WITHOUT ROWID tables; otherwise NewRowID for
	// Insert/Update, OldRowID for Delete.
	RowID *int64
	// PrimaryKey holds the table's primary-key column values, in
	// declaration order, extracted from OldValues (Delete) or NewValues
	// (Insert/Update). Empty if the table's schema was never probed.
	PrimaryKey []sqlitecore.ColumnValue
	// OldValues / NewValues mirror PreupdateEvent's, unless
	// ObserverConfig.CaptureValues is false, in which case both are nil
	// regardless of what the hook captured.
	OldValues []sqlitecore.ColumnValue
	NewValues []sqlitecore.ColumnValue
	Timestamp time.Time

	// Lagged is non-zero when this value is a sentinel reporting that N
	// change notifications were dropped because a subscriber's pending
	// buffer filled up, rather than a real change. Callers must check
	// this before interpreting the rest of the struct.
	Lagged int
}

// IsLagged reports whether this TableChange is a dropped-message sentinel
// rather than a real row mutation.
func (c TableChange) IsLagged() bool { return c.Lagged > 0 }

func (c TableChange) String() string {
	if c.IsLagged() {
		return fmt.Sprintf("lagged(%d)", c.Lagged)
	}
	rowid := "none"
	if c.RowID != nil {
		rowid = fmt.Sprintf("%d", *c.RowID)
	}
	return fmt.Sprintf("%s %s rowid=%s pk=%v", c.Operation, c.Table, rowid, c.PrimaryKey)
}

// laggedChange builds the sentinel value for n dropped notifications.
func laggedChange(n int) TableChange { return TableChange{Lagged: n} }

// Equal compares two TableChange values field-by-field, since the
// presence of slices and a *int64 makes them not comparable with ==.
func (c TableChange) Equal(other TableChange) bool {
	if c.Table != other.Table || c.Operation != other.Operation || c.Lagged != other.Lagged {
		return false
	}
	if !rowIDEqual(c.RowID, other.RowID) {
		return false
	}
	if !columnsEqual(c.PrimaryKey, other.PrimaryKey) {
		return false
	}
	if !columnsEqual(c.OldValues, other.OldValues) {
		return false
	}
	return columnsEqual(c.NewValues, other.NewValues)
}

func rowIDEqual(a, b *int64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func columnsEqual(a, b []sqlitecore.ColumnValue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// rowIDPtr is a small helper so call sites can write rowIDPtr(v) instead
// of taking the address of a local variable inline.
func rowIDPtr(v int64) *int64 { return &v }

package sqlitecore

import (
	"database/sql"
	"fmt"

	"github.com/ncruces/go-sqlite3"
	sqlite3driver "github.com/ncruces/go-sqlite3/driver"
)

// rawConn extracts the low-level *sqlite3.Conn backing a *sql.Conn. The
// Hook Bridge (observe.RegisterHooks) needs this handle because
// PreUpdateHook/CommitHook/RollbackHook are not part of database/sql's
// driver.Conn interface — they live only on the driver's own connection
// type. *sql.Conn.Raw is the documented database/sql escape hatch for
// exactly this situation.
//
// The type assertion to *sqlite3driver.Conn is the one place in this
// package that depends on an undocumented detail of the ncruces/go-sqlite3
// driver package rather than its public database/sql surface; if a future
// driver version renames or hides this type, only this function needs to
// change.
func rawConn(conn *sql.Conn) (*sqlite3.Conn, error) {
	var raw *sqlite3.Conn
	err := conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type %T", driverConn)
		}
		raw = c.Raw()
		return nil
	})
	if err != nil {
		return nil, NewError(KindHookRegistration, "raw_conn", err)
	}
	return raw, nil
}

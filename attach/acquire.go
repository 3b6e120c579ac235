package attach

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/corestore/sqlitecore"
)

// Group is a connection with zero or more secondary databases ATTACHed.
// Call Detach when the caller is done; Detach is idempotent.
type Group struct {
	conn     *sql.Conn
	attached []string // schema names, in attach order
	detached bool
}

// Conn returns the underlying connection, with every requested database
// visible under its schema name.
func (g *Group) Conn() *sql.Conn { return g.conn }

// Detach issues DETACH DATABASE for every schema this Group attached, in
// reverse order, and is safe to call more than once. A failing DETACH
// statement does not stop the loop, so one unresponsive schema never leaks
// the rest; only the first error is returned.
func (g *Group) Detach(ctx context.Context) error {
	if g.detached {
		return nil
	}
	g.detached = true

	var firstErr error
	for i := len(g.attached) - 1; i >= 0; i-- {
		schema := g.attached[i]
		if _, err := g.conn.ExecContext(ctx, fmt.Sprintf("DETACH DATABASE %s", schema)); err != nil && firstErr == nil {
			firstErr = sqlitecore.NewError(sqlitecore.KindSQL, "detach", err)
		}
	}
	return firstErr
}

// Acquire attaches every database in specs to conn and returns a Group
// wrapping it. primaryReadOnly must reflect whether conn itself came from
// a reader pool; attaching a read-write database onto a reader connection
// is rejected (spec invariant: a reader must never be able to write,
// including transitively through an attached database).
//
// Specs are attached in path-sorted order rather than caller-given order.
// Deadlock-free multi-resource locking requires every acquirer to take
// locks in the same global order; sorting by path gives concurrent Acquire
// calls over overlapping database sets that order for free, the same way
// acquiring multiple mutexes in address order avoids ABBA deadlocks.
func Acquire(ctx context.Context, conn *sql.Conn, primaryReadOnly bool, specs []Spec) (*Group, error) {
	if err := Validate(specs); err != nil {
		return nil, err
	}
	if primaryReadOnly {
		for _, s := range specs {
			if !s.ReadOnly {
				return nil, sqlitecore.NewError(sqlitecore.KindCannotAttachReadWriteToReader, "acquire", sqlitecore.ErrReadWriteOnReader)
			}
		}
	}

	ordered := make([]Spec, len(specs))
	copy(ordered, specs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Path < ordered[j].Path })

	g := &Group{conn: conn}
	for _, s := range ordered {
		stmt := fmt.Sprintf("ATTACH DATABASE ? AS %s", s.SchemaName)
		if _, err := conn.ExecContext(ctx, stmt, s.Path); err != nil {
			_ = g.Detach(ctx)
			return nil, sqlitecore.NewError(sqlitecore.KindSQL, "attach", fmt.Errorf("attach %q as %s: %w", s.Path, s.SchemaName, err))
		}
		g.attached = append(g.attached, s.SchemaName)
	}
	return g, nil
}

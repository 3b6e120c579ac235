package attach

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/corestore/sqlitecore"
)

// Resolver looks up (or opens) the Database backing an attached spec's
// path, for the writer path of Acquire, which must hold a real WriteGuard
// on every ReadWrite-attached database, not just issue ATTACH on the main
// connection. Callers typically bind this to a shared Registry:
//
//	resolve := func(ctx context.Context, path string) (*sqlitecore.Database, error) {
//		return registry.GetOrOpen(ctx, path, func(ctx context.Context) (*sqlitecore.Database, error) {
//			return sqlitecore.Open(ctx, path, cfg)
//		})
//	}
type Resolver func(ctx context.Context, path string) (*sqlitecore.Database, error)

// AttachedWriteGuard holds the main database's WriteGuard plus one
// WriteGuard per ReadWrite-attached spec's own Database, all acquired in
// ascending-path order (see AcquireWriter). Call Detach, then Release.
type AttachedWriteGuard struct {
	main  *sqlitecore.WriteGuard
	aux   []*sqlitecore.WriteGuard // acquisition order, excludes main
	group *Group
}

// Conn returns the main writer connection, with every attached database
// visible under its schema name.
func (g *AttachedWriteGuard) Conn() *sql.Conn { return g.main.Conn() }

// MainGuard returns the underlying WriteGuard for the main database, for
// callers that need RawConn (hook registration) or other WriteGuard-level
// operations.
func (g *AttachedWriteGuard) MainGuard() *sqlitecore.WriteGuard { return g.main }

// Detach issues DETACH DATABASE for every attached schema. Callers must
// Detach before Release: detaching requires a SQL round trip, which
// cannot run from a destructor/defer-on-release path (see spec.md §9).
func (g *AttachedWriteGuard) Detach(ctx context.Context) error {
	return g.group.Detach(ctx)
}

// Release returns every held writer — main and every auxiliary — to
// their respective Databases' writer pools, in reverse acquisition order.
// Safe to call without a preceding Detach; the attachments then remain on
// the pooled connection until it is next used, which is documented
// behavior (spec.md §9), not a bug.
func (g *AttachedWriteGuard) Release() {
	for i := len(g.aux) - 1; i >= 0; i-- {
		g.aux[i].Release()
	}
	g.main.Release()
}

// AcquireWriter acquires the main database's writer plus one writer per
// ReadWrite spec's own Database, all in ascending-path order, then
// ATTACHes every spec onto the main writer connection.
//
// The sorted acquisition order is the entire deadlock-avoidance mechanism
// spec.md §4.D describes: two concurrent callers that both need writers
// on databases A and B can name them in either role — task 1 opens A as
// main and attaches B ReadWrite, task 2 opens B as main and attaches A
// ReadWrite — without risking an AB/BA deadlock, because both acquire A's
// writer before B's regardless of which one each task calls "main". This
// global ordering must never be bypassed; acquiring in caller-given order
// instead would reintroduce exactly the deadlock this function exists to
// prevent.
//
// Schema-name and duplicate-path validation runs before any writer is
// acquired, so invalid input never takes a lock (spec.md §4.D's ordering
// note).
func AcquireWriter(ctx context.Context, db *sqlitecore.Database, specs []Spec, resolve Resolver) (*AttachedWriteGuard, error) {
	if err := Validate(specs); err != nil {
		return nil, err
	}
	mainPath := db.Path()
	for _, s := range specs {
		if s.Path == mainPath {
			return nil, sqlitecore.NewError(sqlitecore.KindDuplicateAttachedDatabase, "acquire_writer",
				fmt.Errorf("%w: %q is both the main database and an attached spec", sqlitecore.ErrDuplicateDatabase, s.Path))
		}
	}

	type target struct {
		path string
		db   *sqlitecore.Database
	}
	targets := []target{{path: mainPath, db: db}}
	for _, s := range specs {
		if s.ReadOnly {
			continue // read-only attaches need no writer lock of their own
		}
		d, err := resolve(ctx, s.Path)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target{path: s.Path, db: d})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].path < targets[j].path })

	acquired := make(map[string]*sqlitecore.WriteGuard, len(targets))
	order := make([]string, 0, len(targets))
	releaseAcquired := func() {
		for i := len(order) - 1; i >= 0; i-- {
			acquired[order[i]].Release()
		}
	}
	for _, tg := range targets {
		guard, err := tg.db.AcquireWriter(ctx)
		if err != nil {
			releaseAcquired()
			return nil, err
		}
		acquired[tg.path] = guard
		order = append(order, tg.path)
	}

	mainGuard := acquired[mainPath]
	aux := make([]*sqlitecore.WriteGuard, 0, len(order)-1)
	for _, p := range order {
		if p == mainPath {
			continue
		}
		aux = append(aux, acquired[p])
	}

	group, err := Acquire(ctx, mainGuard.Conn(), false, specs)
	if err != nil {
		releaseAcquired()
		return nil, err
	}
	return &AttachedWriteGuard{main: mainGuard, aux: aux, group: group}, nil
}

// AcquireReader attaches specs (which must all be ReadOnly) to a
// connection drawn from db's reader pool. No additional writer lock is
// taken anywhere: a reader-variant acquisition must never be able to
// write, including transitively through an attached database.
func AcquireReader(ctx context.Context, db *sqlitecore.Database, specs []Spec) (*Group, func(context.Context), error) {
	conn, release, err := db.AcquireReader(ctx)
	if err != nil {
		return nil, nil, err
	}
	group, err := Acquire(ctx, conn, true, specs)
	if err != nil {
		release()
		return nil, nil, err
	}
	return group, func(ctx context.Context) {
		_ = group.Detach(ctx)
		release()
	}, nil
}

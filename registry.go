package sqlitecore

import (
	"context"
	"runtime"
	"sync"
	"weak"

	"golang.org/x/sync/singleflight"
)

// Registry deduplicates opens of the same database path across a process,
// handing every caller the same *Database for as long as at least one
// strong reference to it survives. It never pins a Database alive itself:
// entries are held as weak.Pointer, so a Database with no remaining
// strong references is collected exactly as if the caller had opened it
// directly and let it fall out of scope, and runtime.AddCleanup then
// deletes its stale entry. The cleanup does not close the collected
// Database's pools.
//
// This is the one place in sqlitecore that reaches for a stdlib-only
// mechanism where the examples show no third-party equivalent: no library
// in the retrieved pack offers a weak-reference cache, and Go 1.24's
// weak.Pointer plus runtime.AddCleanup is the idiomatic way to build one.
type Registry struct {
	mu      sync.Mutex
	entries map[string]weak.Pointer[Database]
	sf      singleflight.Group
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]weak.Pointer[Database])}
}

// GetOrOpen returns the cached Database for path if one is still alive,
// otherwise opens a new one via open and caches it. Concurrent callers
// racing on the same uncached path share a single call to open
// (singleflight); a failed open is never cached, so the next caller tries
// again from scratch.
//
// Bare ":memory:" paths bypass the cache entirely: spec.md requires every
// such open to be an independent, unshared database, so Registry simply
// forwards to open and returns without touching entries.
func (r *Registry) GetOrOpen(ctx context.Context, path string, open func(ctx context.Context) (*Database, error)) (*Database, error) {
	if path == memorySentinel {
		return open(ctx)
	}

	key, err := canonicalPath(path)
	if err != nil {
		return nil, NewError(KindIO, "registry_get_or_open", err)
	}

	if db := r.lookup(key); db != nil {
		return db, nil
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		// Re-check under singleflight: another goroutine may have
		// installed an entry between our lookup and Do acquiring the
		// dedup slot.
		if db := r.lookup(key); db != nil {
			return db, nil
		}
		db, err := open(ctx)
		if err != nil {
			return nil, err
		}
		r.install(key, db)
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Database), nil
}

func (r *Registry) lookup(key string) *Database {
	r.mu.Lock()
	wp, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

func (r *Registry) install(key string, db *Database) {
	r.mu.Lock()
	r.entries[key] = weak.Make(db)
	r.mu.Unlock()

	// Database.Close removes this entry itself (spec.md §4.B); registry
	// and registryKey let it find its own slot without the Registry
	// having to track the reverse mapping.
	db.registry = r
	db.registryKey = key

	runtime.AddCleanup(db, func(k string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		// Only remove the entry if it still points at a collected
		// version of this same Database; a newer open racing in after
		// collection but before this cleanup runs must not be evicted.
		if wp, ok := r.entries[k]; ok && wp.Value() == nil {
			delete(r.entries, k)
		}
	}, key)
}

// remove drops key's entry if it still points at db, called from
// Database.Close so a GetOrOpen racing in right after Close never hands
// back an instance that is already shut down (spec.md §4.B: Close
// "removes the path from the registry").
func (r *Registry) remove(key string, db *Database) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.entries[key]; ok && wp.Value() == db {
		delete(r.entries, key)
	}
}

// Forget drops path's cache entry without closing the underlying
// Database, for callers (tests) that want the next GetOrOpen to open a
// fresh instance regardless of whether the old one is still referenced.
func (r *Registry) Forget(path string) {
	key, err := canonicalPath(path)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

package observe

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/corestore/sqlitecore"
)

// ObservableDatabase layers change observation onto a *sqlitecore.Database.
// Enable/Disable are safe to call concurrently with each other and with
// Subscribe: the active Broker (or nil) is held in an atomic.Pointer, so a
// Subscribe call either sees a fully-initialized Broker or gets told
// there isn't one — never a half-constructed one. Enable and Disable
// themselves are further serialized by toggleMu: both register/unregister
// hooks on the single writer connection the size-1 writer pool ever hands
// out, and running two of those sequences concurrently could let a losing
// Enable's RegisterHooks call overwrite the winning Enable's hooks after
// the losing broker has already been closed.
type ObservableDatabase struct {
	db       *sqlitecore.Database
	broker   atomic.Pointer[Broker]
	id       string
	toggleMu sync.Mutex
}

// Wrap returns an ObservableDatabase for db. db's own path becomes the
// broker subject namespace's identifying segment (sanitized, since
// filesystem paths contain characters NATS subjects reserve).
func Wrap(db *sqlitecore.Database) *ObservableDatabase {
	return &ObservableDatabase{db: db, id: sanitizeSubjectToken(db.Path())}
}

// Database returns the wrapped Database.
func (o *ObservableDatabase) Database() *sqlitecore.Database { return o.db }

// Enable starts an embedded broker (if one isn't already running),
// probes the schema of every table in observer.Tables, and registers the
// hook bridge against the Database's writer connection. A second Enable
// call while one is already active is a no-op.
func (o *ObservableDatabase) Enable(ctx context.Context, cfg BrokerConfig, observer ObserverConfig) error {
	o.toggleMu.Lock()
	defer o.toggleMu.Unlock()

	if o.broker.Load() != nil {
		return nil
	}

	broker, err := NewBrokerWithConfig(cfg, observer)
	if err != nil {
		return err
	}

	guard, err := o.db.AcquireWriter(ctx)
	if err != nil {
		broker.Close()
		return err
	}
	defer guard.Release()

	for _, table := range broker.ObservedTables() {
		broker.EnsureTableInfo(ctx, guard.Conn(), table)
	}

	raw, err := guard.RawConn()
	if err != nil {
		broker.Close()
		return err
	}

	if err := RegisterHooks(raw, o.id, broker); err != nil {
		broker.Close()
		return err
	}

	o.broker.Store(broker)
	return nil
}

// Disable stops the broker, if one is running. Existing Subscriptions
// keep their already-buffered channel but receive no further changes.
//
// Per spec.md §4.F/§4.G, the writer connection's hooks must be unregistered
// before the broker they point at is closed: the size-1 writer pool means
// that connection stays alive and returns to later callers (including
// plain, non-observing ones) once this guard is released, so a hook left
// registered would fire against a closed Broker on the very next write.
func (o *ObservableDatabase) Disable(ctx context.Context) error {
	o.toggleMu.Lock()
	defer o.toggleMu.Unlock()

	broker := o.broker.Swap(nil)
	if broker == nil {
		return nil
	}

	guard, err := o.db.AcquireWriter(ctx)
	if err != nil {
		// The writer connection is unreachable (e.g. the Database is
		// already closed), so there is nothing live to unregister hooks
		// from; close the broker and move on rather than leaking it.
		broker.Close()
		return err
	}
	defer guard.Release()

	if raw, err := guard.RawConn(); err == nil {
		UnregisterHooks(raw)
	}

	broker.Close()
	return nil
}

// Subscribe opens a subscription to changes on the given tables (or every
// table, if none are given). Any table not previously observed is probed
// before the subscription is returned, so the first change it reports
// already carries a correct primary key. Returns an error if observation
// isn't currently enabled.
func (o *ObservableDatabase) Subscribe(ctx context.Context, tables ...string) (*Subscription, error) {
	broker := o.broker.Load()
	if broker == nil {
		return nil, sqlitecore.NewError(sqlitecore.KindHookRegistration, "subscribe", sqlitecore.ErrDatabaseClosed)
	}

	if len(tables) > 0 {
		conn, release, err := o.db.AcquireReader(ctx)
		if err == nil {
			for _, table := range tables {
				broker.EnsureTableInfo(ctx, conn, table)
			}
			release()
		}
	}

	return broker.Subscribe(o.id, tables...)
}

func sanitizeSubjectToken(path string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, path)
}

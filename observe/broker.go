package observe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/corestore/sqlitecore"
)

// Broker is one embedded NATS core server (each NewBroker or
// NewBrokerWithConfig call starts its own, and ObservableDatabase.Enable
// creates one per enabled Database), plus the one publisher connection
// the Hook Bridge writes to. Subscribers each get
// their own connection (via Subscribe) so a slow consumer's buffered
// channel can't block publication for anyone else.
//
// Broker also owns the per-transaction buffering and primary-key
// extraction spec.md §4.E assigns to the Change Broker: observedTables
// and tableInfo gate and enrich what the Hook Bridge reports, buffer
// holds events between a transaction's preupdate callbacks and its commit
// hook, and captureValues controls whether published changes carry row
// values at all.
type Broker struct {
	server          *server.Server
	pubNC           *nats.Conn
	metrics         *sqlitecore.Metrics
	captureValues   bool
	channelCapacity int

	mu             sync.Mutex
	closed         bool
	observedTables map[string]struct{}
	tableInfo      map[string]PKInfo
	buffer         []PreupdateEvent
}

// WithMetrics attaches m so Publish records a published-change counter
// against it. Returns b for chaining at construction time.
func (b *Broker) WithMetrics(m *sqlitecore.Metrics) *Broker {
	b.metrics = m
	return b
}

// NewBroker starts an embedded, in-process-only NATS server and opens the
// publisher connection, with the Observer config defaults (capture
// values on, no tables observed yet, 256-entry channel capacity). Call
// Close to shut both down.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	return NewBrokerWithConfig(cfg, ObserverConfig{})
}

// NewBrokerWithConfig is NewBroker plus an ObserverConfig applying the
// initial observed-table set, capture-values flag, and channel capacity,
// so a caller doesn't have to follow construction with a separate Observe
// call for tables it already knows about.
func NewBrokerWithConfig(cfg BrokerConfig, observer ObserverConfig) (*Broker, error) {
	ns, err := startEmbeddedServer(cfg, "")
	if err != nil {
		return nil, err
	}
	pub, err := connectInProcess(ns, "sqlitecore-publisher")
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("broker publisher connection: %w", err)
	}
	b := &Broker{
		server:          ns,
		pubNC:           pub,
		captureValues:   observer.captureValues(),
		channelCapacity: observer.channelCapacity(),
		observedTables:  make(map[string]struct{}),
		tableInfo:       make(map[string]PKInfo),
	}
	b.Observe(observer.Tables...)
	return b, nil
}

// Observe unions tables into the broker's observed-table set. The broker
// never removes tables once observed (spec.md §4.E).
func (b *Broker) Observe(tables ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tables {
		b.observedTables[t] = struct{}{}
	}
}

func (b *Broker) isObserved(table string) bool {
	b.mu.Lock()
	_, ok := b.observedTables[table]
	b.mu.Unlock()
	return ok
}

// ObservedTables returns a snapshot of the currently observed table set,
// for callers (ObservableDatabase.AcquireWriter) that need to know which
// tables require a schema probe before the writer is handed back.
func (b *Broker) ObservedTables() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.observedTables))
	for t := range b.observedTables {
		out = append(out, t)
	}
	return out
}

// EnsureTableInfo probes table via exec and caches the result if it has
// not already been probed (spec.md §4.I: the probe runs at most once per
// observed table per Broker instance). A table that does not exist is
// logged and skipped rather than treated as an error — an observed table
// that hasn't been created yet must never fail the caller's write path.
func (b *Broker) EnsureTableInfo(ctx context.Context, exec queryer, table string) {
	b.mu.Lock()
	_, probed := b.tableInfo[table]
	b.mu.Unlock()
	if probed {
		return
	}

	info, found, err := ProbePK(ctx, exec, table)
	if err != nil {
		slog.Default().Warn("schema probe failed", "table", table, "error", err)
		return
	}
	if !found {
		slog.Default().Debug("schema probe found no such table; observation will publish empty primary keys", "table", table)
		return
	}
	b.mu.Lock()
	b.tableInfo[table] = info
	b.mu.Unlock()
}

// onPreUpdate is called by the Hook Bridge for every row mutation on the
// writer connection this broker is attached to. Events for tables outside
// the observed set are discarded immediately, before ever touching the
// buffer (spec.md §4.E step 1).
func (b *Broker) onPreUpdate(event PreupdateEvent) {
	if !b.isObserved(event.Table) {
		return
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, event)
	b.mu.Unlock()
}

// onCommit atomically takes the buffered events, converts each to a
// TableChange (applying primary-key extraction and the capture_values
// flag), and publishes them. The buffer is always emptied, even with zero
// subscribers (spec.md §4.E step 3).
func (b *Broker) onCommit(dbID string) {
	b.mu.Lock()
	events := b.buffer
	b.buffer = nil
	tableInfo := make(map[string]PKInfo, len(b.tableInfo))
	for k, v := range b.tableInfo {
		tableInfo[k] = v
	}
	captureValues := b.captureValues
	b.mu.Unlock()

	now := time.Now()
	for _, event := range events {
		change, ok := buildChange(event, tableInfo[event.Table], captureValues, now)
		if !ok {
			continue
		}
		b.Publish(subjectFor(dbID, event.Table), encodeChange(change))
	}
}

// onRollback discards the buffer without publishing anything (spec.md
// §4.E step 4).
func (b *Broker) onRollback() {
	b.mu.Lock()
	b.buffer = nil
	b.mu.Unlock()
}

// buildChange converts one buffered PreupdateEvent into a TableChange.
// Returns ok=false if primary-key extraction hit an out-of-bounds column
// index (schema drift since the table was probed): spec.md §4.E says to
// suppress that event and log, never publish a malformed change or panic.
func buildChange(event PreupdateEvent, info PKInfo, captureValues bool, ts time.Time) (TableChange, bool) {
	source := event.NewValues
	if event.Operation == OpDelete {
		source = event.OldValues
	}

	pk := make([]sqlitecore.ColumnValue, 0, len(info.PKColumns))
	for _, idx := range info.PKColumns {
		if idx < 0 || idx >= len(source) {
			slog.Default().Error("primary key column out of range; suppressing change", "table", event.Table, "column_index", idx, "columns", len(source))
			return TableChange{}, false
		}
		pk = append(pk, source[idx])
	}

	var rowID *int64
	if !info.WithoutRowID {
		if event.Operation == OpDelete {
			rowID = rowIDPtr(event.OldRowID)
		} else {
			rowID = rowIDPtr(event.NewRowID)
		}
	}

	change := TableChange{
		Table:      event.Table,
		Operation:  event.Operation,
		RowID:      rowID,
		PrimaryKey: pk,
		Timestamp:  ts,
	}
	if captureValues {
		change.OldValues = event.OldValues
		change.NewValues = event.NewValues
	}
	return change, true
}

// Publish sends payload on subject. Errors are swallowed by design: a
// publish failure must never propagate back into the write path that
// triggered the hook that called it.
func (b *Broker) Publish(subject string, payload []byte) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	_ = b.pubNC.Publish(subject, payload)
	b.metrics.RecordPublished(context.Background())
}

// Close drains the publisher connection and shuts the embedded server
// down. Idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.pubNC.Drain()
	b.pubNC.Close()
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

// Subscription delivers TableChange values (or Lagged sentinels) for the
// tables it was opened with.
type Subscription struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	ch        chan TableChange
	stop      chan struct{}
	closeOnce sync.Once
}

// Subscribe opens a new connection to the broker and subscribes to the
// subject pattern for each table, scoped to dbID. Passing no tables
// subscribes to every table on dbID via a wildcard. Requested tables are
// unioned into the observed set first (spec.md §4.E: subscribing is what
// causes a previously-unobserved table to start being captured); the
// broker never removes a table from that set afterward.
func (b *Broker) Subscribe(dbID string, tables ...string) (*Subscription, error) {
	if len(tables) > 0 {
		b.Observe(tables...)
	}

	nc, err := connectInProcess(b.server, "sqlitecore-subscriber")
	if err != nil {
		return nil, fmt.Errorf("broker subscriber connection: %w", err)
	}

	subjects := tables
	if len(subjects) == 0 {
		subjects = []string{"*"}
	}

	capacity := b.channelCapacity
	if capacity <= 0 {
		capacity = 256
	}
	raw := make(chan *nats.Msg, capacity)
	out := make(chan TableChange, capacity)
	s := &Subscription{nc: nc, ch: out, stop: make(chan struct{})}

	var subs []*nats.Subscription
	for _, table := range subjects {
		sub, err := nc.ChanSubscribe(subjectFor(dbID, table), raw)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			nc.Close()
			return nil, fmt.Errorf("subscribe %s: %w", table, err)
		}
		_ = sub.SetPendingLimits(capacity, 8<<20)
		subs = append(subs, sub)
	}
	// Subscription.sub is used only for Lag(); any of the table
	// subscriptions works since Dropped() is per-connection-slow-consumer
	// accounting within nats.go, not per-subject.
	if len(subs) > 0 {
		s.sub = subs[0]
	}

	go s.pump(raw)
	return s, nil
}

// lagPollInterval is how often pump checks nats.go's own slow-consumer
// counter for new drops. NATS only exposes Dropped() as a cumulative
// counter, not a push notification, so this is a poll, not a callback —
// short enough that a Lagged(n) signal reaches Changes() promptly after a
// drop, long enough not to contend with pump's own raw-channel select.
const lagPollInterval = 50 * time.Millisecond

// pump forwards decoded changes from raw to s.ch until Close signals stop.
// It deliberately does not range over raw to completion: nothing closes
// raw (the underlying nats.Conn may still be delivering to it briefly
// after Unsubscribe), so ranging would either leak this goroutine forever
// or risk a send-on-closed-channel panic if raw were closed concurrently
// with an in-flight delivery.
//
// It also injects Lagged(n) sentinels into s.ch in-band (spec.md §4.E:
// "its next receive yields a Lagged(n) signal") rather than making callers
// poll Lag() separately: a ticker samples s.sub.Dropped() and, whenever it
// has grown since the last sample, sends the delta as a laggedChange
// before resuming normal delivery.
func (s *Subscription) pump(raw <-chan *nats.Msg) {
	defer close(s.ch)

	ticker := time.NewTicker(lagPollInterval)
	defer ticker.Stop()
	lastDropped := 0

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.sub == nil {
				continue
			}
			dropped, err := s.sub.Dropped()
			if err != nil || dropped <= lastDropped {
				continue
			}
			delta := dropped - lastDropped
			lastDropped = dropped
			select {
			case s.ch <- laggedChange(delta):
			case <-s.stop:
				return
			}
		case msg := <-raw:
			change, err := decodeChange(msg.Data)
			if err != nil {
				continue
			}
			select {
			case s.ch <- change:
			case <-s.stop:
				return
			}
		}
	}
}

// Changes returns the channel of observed changes. A TableChange with
// IsLagged() true means notifications were dropped before this one; pump
// injects these in-band as they're detected, so a caller ranging over
// Changes() never needs a separate Lag() poll to learn about them.
func (s *Subscription) Changes() <-chan TableChange { return s.ch }

// Lag reports how many notifications have been dropped since the
// subscription began, surfacing nats.go's own slow-consumer accounting
// (Subscription.Dropped) directly for callers that want a point-in-time
// count rather than waiting for pump's in-band Lagged(n) delivery.
func (s *Subscription) Lag() (int, error) {
	if s.sub == nil {
		return 0, nil
	}
	dropped, err := s.sub.Dropped()
	if err != nil {
		return 0, err
	}
	return dropped, nil
}

// Close unsubscribes, closes the subscriber connection, and signals pump to
// stop — without this, pump's select loop never observes nc.Close() (raw
// is never closed either) and leaks forever.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		s.nc.Close()
		close(s.stop)
	})
}

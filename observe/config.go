// Package observe implements change observation for a sqlitecore.Database:
// an embedded NATS core server per Broker that row-level SQLite hooks
// publish onto, subscriptions that decode those publications back into
// typed TableChange values, and a schema probe for discovering table
// structure at subscribe time.
package observe

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// BrokerConfig configures the embedded NATS core server a Broker starts.
// Unlike the teacher's daemon.NATSConfig, this is a purely in-process,
// ephemeral broker: no JetStream, no external TCP listener by default,
// since every subscriber here lives in the same OS process as the
// publisher (the Database's hook bridge).
type BrokerConfig struct {
	// Port is the TCP port to listen on; 0 (default) asks the OS for a
	// free port, since nothing outside this process needs a fixed
	// address to find an in-process broker.
	Port int
	// PendingMsgLimit / PendingBytesLimit are accepted but not read:
	// Subscribe sizes each subscription's buffer from
	// ObserverConfig.ChannelCapacity with a fixed 8 MiB byte limit.
	// Messages past that buffer are dropped and surfaced to the caller
	// as Lagged(n) rather than blocking the publisher.
	PendingMsgLimit   int
	PendingBytesLimit int
}

func (c BrokerConfig) pendingMsgLimit() int {
	if c.PendingMsgLimit > 0 {
		return c.PendingMsgLimit
	}
	return 4096
}

func (c BrokerConfig) pendingBytesLimit() int {
	if c.PendingBytesLimit > 0 {
		return c.PendingBytesLimit
	}
	return 8 << 20
}

// ObserverConfig is spec.md §6's Observer config: which tables to watch,
// how large the broadcast buffer should be before a subscriber is
// considered lagging, and whether published changes carry row values at
// all.
type ObserverConfig struct {
	Tables []string
	// ChannelCapacity bounds each subscription's pending-message buffer
	// (default 256). A transaction that publishes more row changes than
	// this in one commit will push every subscriber that falls behind
	// into Lagged(n) on its next receive — size this at least as large
	// as your largest expected transaction's row count.
	ChannelCapacity int
	// CaptureValues controls whether TableChange.OldValues/NewValues are
	// populated; nil defaults to true (spec.md §6 default).
	CaptureValues *bool
}

func (c ObserverConfig) channelCapacity() int {
	if c.ChannelCapacity > 0 {
		return c.ChannelCapacity
	}
	return 256
}

func (c ObserverConfig) captureValues() bool {
	if c.CaptureValues == nil {
		return true
	}
	return *c.CaptureValues
}

func startEmbeddedServer(cfg BrokerConfig, storeDir string) (*server.Server, error) {
	port := cfg.Port
	if port == 0 {
		// nats-server treats 0 as its fixed default port (4222).
		port = server.RANDOM_PORT
	}
	opts := &server.Options{
		ServerName: "sqlitecore-broker",
		Host:       "127.0.0.1",
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded broker: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded broker failed to become ready within 10s")
	}
	return ns, nil
}

func connectInProcess(ns *server.Server, name string) (*nats.Conn, error) {
	return nats.Connect(ns.ClientURL(), nats.Name(name), nats.InProcessServer(ns))
}

func ensureStoreDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(filepath.Join(dir), 0o700)
}

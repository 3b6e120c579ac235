// Package sqlitecore is a SQLite access layer for single-process desktop and
// mobile applications that embed SQLite. It provides correct concurrency
// (concurrent readers, one serialized writer per database file), lazy WAL
// initialization, multi-database attach acquisition with a deadlock-free
// lock ordering, and a process-wide registry that de-duplicates concurrent
// opens of the same file.
//
// Transaction coordination (atomic batches and interruptible, multi-round
// transactions) lives in sub-package txn. Change observation — turning
// SQLite's preupdate/commit/rollback hooks into a publish/subscribe stream
// of row-level changes — lives in sub-package observe. Multi-database
// attach/detach lives in sub-package attach.
//
// sqlitecore does not parse SQL, plan queries, decode values to JSON for
// wire transport, or coordinate across processes. Those are the job of a
// host application built on top of this layer.
package sqlitecore

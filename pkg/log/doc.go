/*
Package log provides structured logging for the KVDB control plane using zerolog.

The log package wraps zerolog to give every control-plane subsystem a
component-scoped child logger with consistent fields (kvs, txn_id, cursor_id),
configurable level, and a choice of JSON or console output.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	txnLog := log.WithComponent("txn")
	txnLog.Info().Str("txn_id", id).Msg("transaction committed")

	cursorLog := log.WithCursorID(cid)
	cursorLog.Warn().Msg("cursor view stale, refreshing")

# Levels

Debug is for per-operation tracing (every put/get), Info for lifecycle events
(kvs opened, txn committed, maintenance tick), Warn for recoverable pressure
(cursor admission near the configured maximum, throttle sensor at max), and
Error for operations that returned a *kvdberr.Error to the caller.

# Integration points

  - pkg/kvdb: database open/close
  - pkg/health: health flags raised
  - pkg/kvsdir: kvs create/drop/open/close
  - pkg/txn: begin/commit (Debug), expiry and swept expired transactions
  - pkg/cursor: cursor creation (Debug)
  - pkg/maintain: failed maintenance ticks, live cursors over the maximum,
    expired-transaction sweeps
  - pkg/throttle, pkg/storage: hold a component logger but log nothing

Never log key or value bytes at Info level or above — only lengths and
hashes. Debug level may log truncated key prefixes for local troubleshooting.
*/
package log

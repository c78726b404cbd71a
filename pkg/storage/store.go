package storage

import (
	"time"

	"github.com/victorstewart/kvdb/pkg/kvsdir"
	"github.com/victorstewart/kvdb/pkg/txn"
)

// Engine is the storage-layer contract the control plane needs from its
// external collaborator: a tree-metadata catalog (cndb), a KVS opener
// (cn/c0), and a mutation publisher (staging layer). One concrete
// implementation, BoltEngine, is provided so the control plane is
// runnable end to end; production deployments may supply their own.
type Engine interface {
	kvsdir.Opener
	kvsdir.TreeMetadata
	txn.Publisher

	// Sync flushes all buffered writes to stable storage.
	Sync() error
	// Compact runs a compaction pass (BoltEngine runs it synchronously and
	// returns when it is done).
	Compact(full bool) error
	// CompactStatus reports the progress of the most recent Compact call.
	CompactStatus() CompactStatus
	// Info reports the on-disk footprint of the database.
	Info() StorageInfo
	// Close releases all resources held by the engine.
	Close() error
}

// CompactStatus reports the state of the most recent (or in-progress)
// compaction pass, surfaced by kvdb_compact_status.
type CompactStatus struct {
	Active       bool
	SamplePct    int
	CanceledRead bool
}

// StorageInfo reports on-disk footprint, surfaced by kvdb_storage_info.
type StorageInfo struct {
	CapacityPath string
	StagingPath  string
	CapacityUsed uint64
	StagingUsed  uint64
}

// KVSHandle is the per-KVS object BoltEngine hands back from Open; it
// implements kvsdir.KVSHandle and additionally exposes the read/cursor
// surface pkg/kvdb and pkg/cursor operate against.
type KVSHandle interface {
	kvsdir.KVSHandle

	Get(key []byte, view uint64) (value []byte, found bool, err error)

	// Pin reserves a consistent on-disk snapshot at view, matching the
	// cursor creation protocol's "initialize: pin on-disk snapshot
	// references" step (spec §4.E). Iterator construction happens later,
	// against the returned Snapshot, once the cursor's view registration
	// has been released and in-flight commits drained.
	Pin(view uint64) (Snapshot, error)
}

// Snapshot is a pinned, consistent view of one KVS at one seqno.
type Snapshot interface {
	Iterator(prefix []byte, reverse bool) (Iterator, error)
	Release() error
}

// Iterator walks one snapshot of one KVS in key order. Implementations are
// not safe for concurrent use by multiple goroutines.
type Iterator interface {
	Seek(key []byte) bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// maintenanceInterval is how often a KVSHandle folds its staged versions
// forward during the KVS-maintenance loop tick, matching the teacher's
// once-per-tick compaction cadence.
const maintenanceInterval = 100 * time.Millisecond

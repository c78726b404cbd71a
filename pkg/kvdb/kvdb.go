// Package kvdb is the facade that ties the sequence clock, ViewSets,
// transaction registry, KVS directory, cursor engine, throttle, health
// register, and maintenance loops into one embeddable database handle
// (spec §4.H). It owns no MVCC or iteration logic itself — every rule it
// enforces is a pre-check or a wiring decision, delegated straight to the
// component that actually implements it.
package kvdb

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/victorstewart/kvdb/pkg/cursor"
	"github.com/victorstewart/kvdb/pkg/events"
	"github.com/victorstewart/kvdb/pkg/health"
	"github.com/victorstewart/kvdb/pkg/kvdberr"
	"github.com/victorstewart/kvdb/pkg/kvsdir"
	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/victorstewart/kvdb/pkg/maintain"
	"github.com/victorstewart/kvdb/pkg/metrics"
	"github.com/victorstewart/kvdb/pkg/seqno"
	"github.com/victorstewart/kvdb/pkg/storage"
	"github.com/victorstewart/kvdb/pkg/throttle"
	"github.com/victorstewart/kvdb/pkg/txn"
	"github.com/rs/zerolog"
)

// OpFlag carries the put/get/del flag bits of spec §6.
type OpFlag uint8

const (
	FlagPriority OpFlag = 1 << iota
	FlagValueCompressionOn
	FlagValueCompressionOff
)

// CursorFlag carries the cursor-create flag bits of spec §6.
type CursorFlag uint8

const (
	FlagReverse CursorFlag = 1 << iota
)

const defaultScratchBufferSize = 32 * 1024

// Config configures an opened database. Start from DefaultConfig and
// override as needed; MaxCursors, TxnTimeout and ScratchBufferSize left at
// zero, and an all-zero Throttle, are replaced by their DefaultConfig
// values when the database is opened.
type Config struct {
	ReadOnly          bool
	MaxCursors        int64
	TxnTimeout        time.Duration
	Throttle          throttle.Config
	ScratchBufferSize int
}

// DefaultConfig returns permissive defaults suitable for a standalone
// embedded database.
func DefaultConfig() Config {
	return Config{
		MaxCursors:        10_000,
		TxnTimeout:        txn.DefaultConfig().Timeout,
		Throttle:          throttle.DefaultConfig(),
		ScratchBufferSize: defaultScratchBufferSize,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.MaxCursors == 0 {
		cfg.MaxCursors = def.MaxCursors
	}
	if cfg.TxnTimeout == 0 {
		cfg.TxnTimeout = def.TxnTimeout
	}
	if cfg.Throttle == (throttle.Config{}) {
		cfg.Throttle = def.Throttle
	}
	if cfg.ScratchBufferSize <= 0 {
		cfg.ScratchBufferSize = def.ScratchBufferSize
	}
	return cfg
}

// Compressor is the value-compression boundary the facade manages a
// scratch buffer and threshold/bound bookkeeping around. The concrete
// codec is an external collaborator per spec §1 ("value compression
// libraries"); DB's default is a no-op passthrough so the module is
// runnable without one.
type Compressor interface {
	// Compress attempts to compress src into dst (reusing dst's backing
	// array when it has enough capacity). ok reports whether the result
	// should replace src; a false ok (or an error) means the caller keeps
	// the original value.
	Compress(dst, src []byte) (out []byte, ok bool, err error)
}

type passthroughCompressor struct{}

func (passthroughCompressor) Compress(_, src []byte) ([]byte, bool, error) { return src, false, nil }

// DB is one open database: the facade spec §4.H names as component H.
type DB struct {
	clock    *seqno.Clock
	engine   storage.Engine
	dir      *kvsdir.Directory
	registry *txn.Registry
	cursors  *cursor.Engine
	throttle *throttle.Throttle
	health   *health.Set
	loops    *maintain.Loops
	ingest   *events.Broker

	compressor  Compressor
	scratchPool sync.Pool
	readOnly    bool

	activeMu sync.Mutex
	active   map[*txn.Txn]struct{}

	logger zerolog.Logger
}

// Create initializes the on-disk structures for a new database at home
// without leaving it open, mirroring kvdb_create(home, mpool, ...).
func Create(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "create database home", err)
	}
	engine, err := storage.NewBoltEngine(home)
	if err != nil {
		return err
	}
	return engine.Close()
}

// Open opens the database at home with a reference bbolt-backed engine.
// Callers needing a different storage backend should build one via
// OpenWithEngine directly.
func Open(home string, cfg Config) (*DB, error) {
	engine, err := storage.NewBoltEngine(home)
	if err != nil {
		return nil, err
	}
	db, err := OpenWithEngine(engine, cfg)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return db, nil
}

// OpenWithEngine wires a caller-supplied storage.Engine into a fresh
// facade and starts its maintenance loops. Production users with a
// non-reference storage layer use this entry point.
func OpenWithEngine(engine storage.Engine, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()

	clock := seqno.New()
	registry := txn.NewRegistry(clock, engine, txn.NewMemLocker(), txn.Config{Timeout: cfg.TxnTimeout})
	dir := kvsdir.New(engine, engine)
	cursors := cursor.NewEngine(clock, registry, cfg.MaxCursors)
	th := throttle.New(cfg.Throttle)
	hset := health.New()
	ingest := events.NewBroker()
	registry.SetNotifier(ingest)

	db := &DB{
		clock:      clock,
		engine:     engine,
		dir:        dir,
		registry:   registry,
		cursors:    cursors,
		throttle:   th,
		health:     hset,
		ingest:     ingest,
		active:     make(map[*txn.Txn]struct{}),
		compressor: passthroughCompressor{},
		readOnly:   cfg.ReadOnly,
		logger:     log.WithComponent("kvdb"),
	}
	db.scratchPool.New = func() interface{} {
		return make([]byte, 0, cfg.ScratchBufferSize)
	}
	db.loops = maintain.New(th, dir, cursors, db)

	ingest.Start()
	db.loops.Start()
	db.logger.Info().Bool("read_only", cfg.ReadOnly).Msg("database opened")
	return db, nil
}

// SetCompressor installs a real codec in place of the default passthrough.
func (db *DB) SetCompressor(c Compressor) { db.compressor = c }

// Close joins both maintenance loops and closes the storage engine,
// matching "close joins both maintenance loops" (spec §5).
func (db *DB) Close() error {
	db.loops.Stop()
	db.ingest.Stop()
	err := db.engine.Close()
	db.logger.Info().Msg("database closed")
	return err
}

// Subscribe registers a new ingest-notification subscription: the caller
// receives an IngestNotice after every publish this database resolves,
// transactional or not. The caller must Unsubscribe when done.
func (db *DB) Subscribe() events.Subscriber { return db.ingest.Subscribe() }

// Unsubscribe removes and closes a subscription returned by Subscribe.
func (db *DB) Unsubscribe(sub events.Subscriber) { db.ingest.Unsubscribe(sub) }

// Health exposes the database's sticky health register.
func (db *DB) Health() *health.Set { return db.health }

// Horizon returns min(cursor_horizon, txn_horizon): the oldest seqno any
// live view could still observe, and thus the newest version reclamation
// may not free.
func (db *DB) Horizon() seqno.Seqno {
	cursorHorizon := db.cursors.Horizon()
	txnHorizon := db.registry.Horizon()
	if txnHorizon < cursorHorizon {
		return txnHorizon
	}
	return cursorHorizon
}

// Sync delegates to the storage engine; a read-only database rejects it.
func (db *DB) Sync() error {
	if db.readOnly {
		return kvdberr.ErrReadOnly
	}
	err := db.engine.Sync()
	db.noteFailure(err)
	return err
}

// Compact runs a compaction pass through the storage engine and returns
// when the engine's pass returns.
func (db *DB) Compact(full bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CompactDuration)
	return db.engine.Compact(full)
}

// CompactStatus reports the most recent compaction pass's progress.
func (db *DB) CompactStatus() storage.CompactStatus { return db.engine.CompactStatus() }

// StorageInfo reports the database's on-disk footprint.
func (db *DB) StorageInfo() storage.StorageInfo {
	info := db.engine.Info()
	metrics.StorageCapacityUsedBytes.Set(float64(info.CapacityUsed))
	return info
}

// BeginTxn allocates a transaction descriptor from the pool and begins it,
// registering it with the database so the maintenance loop's expiry sweep
// can find it.
func (db *DB) BeginTxn() (*txn.Txn, error) {
	t := db.registry.Alloc()
	if err := t.Begin(); err != nil {
		db.registry.Free(t)
		return nil, err
	}

	db.activeMu.Lock()
	db.active[t] = struct{}{}
	db.activeMu.Unlock()
	metrics.TxnActive.Set(float64(len(db.active)))

	return t, nil
}

// FreeTxn returns a terminal transaction descriptor to the pool and drops
// it from the active set.
func (db *DB) FreeTxn(t *txn.Txn) {
	db.registry.Free(t)

	db.activeMu.Lock()
	delete(db.active, t)
	count := len(db.active)
	db.activeMu.Unlock()
	metrics.TxnActive.Set(float64(count))
}

// SweepExpiredTxns aborts every active transaction whose deadline has
// passed, implementing maintain.TxnSweeper so the KVS-maintenance loop can
// drive the registry's expiry sweep without importing pkg/txn directly.
func (db *DB) SweepExpiredTxns() int {
	db.activeMu.Lock()
	txns := make([]*txn.Txn, 0, len(db.active))
	for t := range db.active {
		txns = append(txns, t)
	}
	db.activeMu.Unlock()

	expired := db.registry.SweepExpired(txns)
	if expired == 0 {
		return 0
	}

	db.activeMu.Lock()
	for _, t := range txns {
		if t.State() != txn.StateActive {
			delete(db.active, t)
		}
	}
	count := len(db.active)
	db.activeMu.Unlock()

	metrics.TxnActive.Set(float64(count))
	metrics.TxnExpiredTotal.Add(float64(expired))
	return expired
}

// CreateKVS validates name and installs a new (unopened) slot.
func (db *DB) CreateKVS(name string, params kvsdir.CreateParams) error {
	return db.dir.Create(name, params)
}

// DropKVS removes a KVS, refusing if it is currently opened.
func (db *DB) DropKVS(name string) error { return db.dir.Drop(name) }

// KVSNames lists every installed KVS name.
func (db *DB) KVSNames() []string { return db.dir.List() }

// KVSCount returns the number of installed KVSes.
func (db *DB) KVSCount() int { return db.dir.Count() }

// KVS is an opened KVS handle: the object put/get/del/cursor calls target.
type KVS struct {
	db         *DB
	slot       *kvsdir.Slot
	handle     storage.KVSHandle
	txnEnabled bool
}

// OpenKVS opens name for reads/writes.
func (db *DB) OpenKVS(name string, rparams kvsdir.RuntimeParams) (*KVS, error) {
	slot, err := db.dir.Open(name, rparams)
	if err != nil {
		return nil, err
	}
	handle, ok := slot.Handle().(storage.KVSHandle)
	if !ok {
		return nil, kvdberr.New(kvdberr.CodeInternal, kvdberr.KindState, "storage engine did not return a readable kvs handle")
	}
	return &KVS{db: db, slot: slot, handle: handle, txnEnabled: rparams.TxnEnabled}, nil
}

// Name returns the KVS's name.
func (k *KVS) Name() string { return k.slot.Name }

// Close releases this KVS's opened handle.
func (k *KVS) Close() error { return k.db.dir.Close(k.slot.Name) }

// checkWriteAllowed enforces "txn-enabled XOR txn-passed must be false":
// a transactional KVS requires a txn on every write, a non-transactional
// one rejects one.
func (k *KVS) checkWriteAllowed(t *txn.Txn) error {
	if k.txnEnabled != (t != nil) {
		return kvdberr.New(kvdberr.CodeInvalidArg, kvdberr.KindInvalidInput,
			"transactional-kvs writes require a txn; non-transactional ones reject one")
	}
	return nil
}

// checkReadAllowed enforces "no txn on a non-transactional kvs"; reading
// a transactional kvs without a txn is permitted.
func (k *KVS) checkReadAllowed(t *txn.Txn) error {
	if t != nil && !k.txnEnabled {
		return kvdberr.New(kvdberr.CodeInvalidArg, kvdberr.KindInvalidInput, "txn passed to a non-transactional kvs")
	}
	return nil
}

// Put writes key/value, optionally compressing the value and charging the
// throttle, per spec §4.H.
func (k *KVS) Put(t *txn.Txn, key, value []byte, flags OpFlag) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVSOpDuration, "put")

	if err := k.checkWriteAllowed(t); err != nil {
		metrics.KVSOpTotal.WithLabelValues("put", "rejected").Inc()
		return err
	}
	if k.db.readOnly {
		metrics.KVSOpTotal.WithLabelValues("put", "rejected").Inc()
		return kvdberr.ErrReadOnly
	}
	if k.db.health.Check(health.WriteMask) {
		metrics.KVSOpTotal.WithLabelValues("put", "rejected").Inc()
		return kvdberr.ErrHealth
	}

	effective := k.db.maybeCompress(k.slot, value, flags)
	mut := txn.Mutation{Kind: txn.OpPut, KVS: k.slot.Name, Key: key, Value: effective}
	if err := k.publish(t, mut); err != nil {
		metrics.KVSOpTotal.WithLabelValues("put", "error").Inc()
		return err
	}
	k.db.chargeThrottle(len(key)+len(effective), flags)
	metrics.KVSOpTotal.WithLabelValues("put", "ok").Inc()
	return nil
}

// Get returns the newest version of key visible to t (or to the current
// clock read, for a non-txn caller), including the txn's own uncommitted
// writes when t is non-nil.
func (k *KVS) Get(t *txn.Txn, key []byte) (value []byte, found bool, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVSOpDuration, "get")

	if err := k.checkReadAllowed(t); err != nil {
		metrics.KVSOpTotal.WithLabelValues("get", "rejected").Inc()
		return nil, false, err
	}

	if t != nil {
		if v, deleted, ok := pendingLookup(t, k.slot.Name, key, k.slot.CreateParams.PrefixLen); ok {
			metrics.KVSOpTotal.WithLabelValues("get", "ok").Inc()
			return v, !deleted, nil
		}
	}

	view := k.db.acquireReadView(t)
	value, found, err = k.handle.Get(key, uint64(view))
	if err != nil {
		metrics.KVSOpTotal.WithLabelValues("get", "error").Inc()
	} else {
		metrics.KVSOpTotal.WithLabelValues("get", "ok").Inc()
	}
	return value, found, err
}

// Del deletes key, per the same gating rules as Put.
func (k *KVS) Del(t *txn.Txn, key []byte, flags OpFlag) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVSOpDuration, "del")

	if err := k.checkWriteAllowed(t); err != nil {
		metrics.KVSOpTotal.WithLabelValues("del", "rejected").Inc()
		return err
	}
	if k.db.readOnly {
		metrics.KVSOpTotal.WithLabelValues("del", "rejected").Inc()
		return kvdberr.ErrReadOnly
	}
	if k.db.health.Check(health.WriteMask) {
		metrics.KVSOpTotal.WithLabelValues("del", "rejected").Inc()
		return kvdberr.ErrHealth
	}

	mut := txn.Mutation{Kind: txn.OpDelete, KVS: k.slot.Name, Key: key}
	if err := k.publish(t, mut); err != nil {
		metrics.KVSOpTotal.WithLabelValues("del", "error").Inc()
		return err
	}
	k.db.chargeThrottle(len(key), flags)
	metrics.KVSOpTotal.WithLabelValues("del", "ok").Inc()
	return nil
}

// PrefixDel deletes every key sharing prefix, which must equal the KVS's
// configured prefix length exactly, at a seqno strictly newer than
// currently visible writes under that prefix. Same-batch puts ordered
// after the tombstone remain visible (pkg/storage enforces the masking
// rule). Returns the prefix length deleted, matching out_pfx_len.
func (k *KVS) PrefixDel(t *txn.Txn, prefix []byte, flags OpFlag) (int, error) {
	if len(prefix) == 0 {
		return 0, kvdberr.ErrNotFound
	}
	if len(prefix) != k.slot.CreateParams.PrefixLen {
		return 0, kvdberr.New(kvdberr.CodeInvalidArg, kvdberr.KindInvalidInput,
			"prefix-delete key length must equal the kvs's configured prefix length")
	}
	if err := k.checkWriteAllowed(t); err != nil {
		return 0, err
	}
	if k.db.readOnly {
		return 0, kvdberr.ErrReadOnly
	}
	if k.db.health.Check(health.WriteMask) {
		return 0, kvdberr.ErrHealth
	}

	mut := txn.Mutation{Kind: txn.OpPrefixDelete, KVS: k.slot.Name, Key: prefix}
	if err := k.publish(t, mut); err != nil {
		return 0, err
	}
	k.db.chargeThrottle(len(prefix), flags)
	return len(prefix), nil
}

// NewCursor creates a cursor over this KVS, registering it with the
// database's cursor engine.
func (k *KVS) NewCursor(t *txn.Txn, prefix []byte, flags CursorFlag) (*cursor.Cursor, error) {
	if t != nil && !k.txnEnabled {
		return nil, kvdberr.New(kvdberr.CodeInvalidArg, kvdberr.KindInvalidInput, "txn passed to a non-transactional kvs")
	}
	reverse := flags&FlagReverse != 0
	return k.db.cursors.Create(k.slot, prefix, reverse, t)
}

// publish records mut against t if bound (resolved at commit) or
// publishes it immediately with a fresh seqno otherwise, and escalates a
// storage I/O failure into the sticky health register.
func (k *KVS) publish(t *txn.Txn, mut txn.Mutation) error {
	if t != nil {
		return t.AddMutation(mut)
	}
	_, err := k.db.registry.PublishSingle([]txn.Mutation{mut})
	k.db.noteFailure(err)
	return err
}

// acquireReadView samples the clock and drains in-flight commits for a
// non-txn reader, or inherits the txn's own view, per spec §4.H's
// read-path data flow.
func (db *DB) acquireReadView(t *txn.Txn) seqno.Seqno {
	if t != nil {
		return t.View()
	}
	view := db.clock.Read()
	db.registry.DrainCommits()
	return view
}

// pendingLookup resolves a txn's own uncommitted mutations against kvs
// and key, in commit order, so a later write always wins over an earlier
// one — including a prefix-delete later overridden by a put to a key
// under that prefix within the same transaction.
func pendingLookup(t *txn.Txn, kvs string, key []byte, prefixLen int) (value []byte, deleted bool, found bool) {
	for _, m := range t.Pending() {
		if m.KVS != kvs {
			continue
		}
		switch m.Kind {
		case txn.OpPut:
			if bytes.Equal(m.Key, key) {
				value, deleted, found = m.Value, false, true
			}
		case txn.OpDelete:
			if bytes.Equal(m.Key, key) {
				value, deleted, found = nil, true, true
			}
		case txn.OpPrefixDelete:
			if prefixLen > 0 && len(key) >= prefixLen && bytes.Equal(m.Key, key[:prefixLen]) {
				value, deleted, found = nil, true, true
			}
		}
	}
	return value, deleted, found
}

// maybeCompress applies the slot's compression descriptor (or an explicit
// per-call override) to value, borrowing a scratch buffer from the pool
// and always returning an independently-owned slice: a txn-bound mutation
// can outlive the call by the length of the transaction, so the scratch
// buffer is never retained past this call.
func (db *DB) maybeCompress(slot *kvsdir.Slot, value []byte, flags OpFlag) []byte {
	enabled := slot.Compression.Enabled
	if flags&FlagValueCompressionOn != 0 {
		enabled = true
	}
	if flags&FlagValueCompressionOff != 0 {
		enabled = false
	}
	if !enabled || len(value) < slot.Compression.VCompMin {
		return value
	}

	buf := db.scratchPool.Get().([]byte)[:0]
	out, ok, err := db.compressor.Compress(buf, value)
	used := out
	if err != nil || !ok || len(out) > slot.Compression.OutputBound {
		used = value
	}
	owned := append([]byte(nil), used...)
	db.scratchPool.Put(buf[:0])
	return owned
}

// chargeThrottle debits n bytes from the ingest token bucket unless the
// caller set PRIORITY or throttling is disabled, then sleeps the
// suggested delay before returning control to the caller.
func (db *DB) chargeThrottle(n int, flags OpFlag) {
	d := db.throttle.Request(n, flags&FlagPriority != 0)
	metrics.ThrottleSleepSeconds.Observe(d.Seconds())
	db.throttle.Delay(d)
}

// noteFailure escalates a storage engine I/O failure into the sticky
// health register, matching "a collaborator calls Raise the moment it
// detects a failure class" (pkg/health doc).
func (db *DB) noteFailure(err error) {
	if err != nil && kvdberr.Is(err, kvdberr.CodeInternal) {
		db.health.Raise(health.FlagIO)
		metrics.HealthFlag.WithLabelValues(health.FlagIO.String()).Set(1)
	}
}

// Package cursor implements the Cursor Engine: the iterator state machine
// {USE, ERR, TXN, INV} described in spec §4.E, its creation protocol
// (register view -> pin snapshot -> release view -> drain in-flight
// commits -> prepare iterator), seek/read/refresh, and the admission
// control that caps live cursor count. Loop/lifecycle patterns are
// grounded on pkg/reconciler's worker shape; the view-pin choreography is
// novel to this domain and has no teacher analogue.
package cursor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/victorstewart/kvdb/pkg/kvdberr"
	"github.com/victorstewart/kvdb/pkg/kvsdir"
	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/victorstewart/kvdb/pkg/metrics"
	"github.com/victorstewart/kvdb/pkg/seqno"
	"github.com/victorstewart/kvdb/pkg/storage"
	"github.com/victorstewart/kvdb/pkg/txn"
	"github.com/victorstewart/kvdb/pkg/viewset"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a cursor's position in the {USE, ERR, TXN, INV} state machine.
type State int

const (
	StateUse State = iota
	StateErr
	StateTxn
	StateInv
)

func (s State) String() string {
	switch s {
	case StateUse:
		return "USE"
	case StateErr:
		return "ERR"
	case StateTxn:
		return "TXN"
	case StateInv:
		return "INV"
	default:
		return "UNKNOWN"
	}
}

// Engine owns the cursor ViewSet and live-cursor admission control for one
// database. One Engine exists per open database, alongside the (separate)
// transaction Registry.
type Engine struct {
	clock    *seqno.Clock
	views    *viewset.ViewSet
	registry *txn.Registry

	live       atomic.Int64
	maxCursors atomic.Int64
	lastWarn   atomic.Int64

	logger zerolog.Logger
}

// NewEngine constructs a cursor Engine. maxCursors bounds live cursor
// count; per spec §4.E it is normally auto-sized to ~10% of available
// memory divided by a per-cursor size floor, but that sizing policy is a
// deployment concern left to the caller (pkg/kvdb computes it).
func NewEngine(clock *seqno.Clock, registry *txn.Registry, maxCursors int64) *Engine {
	e := &Engine{clock: clock, views: viewset.New(), registry: registry, logger: log.WithComponent("cursor")}
	e.maxCursors.Store(maxCursors)
	return e
}

// LiveCount returns the current number of live cursors.
func (e *Engine) LiveCount() int64 { return e.live.Load() }

// Horizon returns the oldest seqno among the cursor views currently
// registered in the cursor ViewSet, or seqno.Max if none is. A cursor's
// view is registered only while Create or Update pins its snapshot; after
// that the pinned snapshot keeps its versions readable, so a live cursor
// does not hold this value down.
func (e *Engine) Horizon() seqno.Seqno { return e.views.Horizon() }

// SetMaxCursors updates the admission ceiling.
func (e *Engine) SetMaxCursors(n int64) { e.maxCursors.Store(n) }

// MaxCursors returns the current admission ceiling.
func (e *Engine) MaxCursors() int64 { return e.maxCursors.Load() }

// Cursor is one iterator instance bound to a KVS slot.
type Cursor struct {
	id    uuid.UUID
	mu    sync.Mutex
	state State

	engine  *Engine
	slot    *kvsdir.Slot
	handle  storage.KVSHandle
	prefix  []byte
	reverse bool

	view     seqno.Seqno
	cookie   viewset.Cookie
	onViewList bool

	boundTxn   *txn.Txn
	bindGen    uint64
	seenBindGen uint64

	snapshot storage.Snapshot
	iter     storage.Iterator

	kcErr     error
	createdAt time.Time
	logger    zerolog.Logger
}

// ID returns the cursor's identifier.
func (c *Cursor) ID() uuid.UUID { return c.id }

// State returns the cursor's current state.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Create allocates and initializes a cursor over slot, following the
// ordering spec §4.E mandates: register view, pin snapshot, release view,
// drain in-flight commits (non-txn only), prepare iterator.
func (e *Engine) Create(slot *kvsdir.Slot, prefix []byte, reverse bool, boundTxn *txn.Txn) (*Cursor, error) {
	if e.live.Load() >= e.maxCursors.Load() && e.maxCursors.Load() > 0 {
		metrics.CursorsRejectedTotal.Inc()
		return nil, kvdberr.New(kvdberr.CodeCanceled, kvdberr.KindResource, "live cursor count at configured maximum")
	}

	handle, ok := slot.Handle().(storage.KVSHandle)
	if !ok || handle == nil {
		return nil, kvdberr.New(kvdberr.CodeBadFD, kvdberr.KindState, "kvs slot not opened for reads")
	}

	// Hold a reference on the slot for the cursor's lifetime so a concurrent
	// Directory.Close can't tear the handle down out from under it; Destroy
	// releases this reference.
	slot.Acquire()

	c := &Cursor{
		id:        uuid.New(),
		engine:    e,
		slot:      slot,
		handle:    handle,
		prefix:    append([]byte(nil), prefix...),
		reverse:   reverse,
		boundTxn:  boundTxn,
		createdAt: time.Now(),
	}
	c.logger = log.WithCursorID(c.id.String())

	// Step 2: register view (or inherit the bound txn's view).
	if boundTxn != nil {
		c.view = boundTxn.View()
		c.state = StateTxn
	} else {
		view, cookie := e.views.Insert(e.clock.Read)
		c.view = view
		c.cookie = cookie
		c.onViewList = true
		c.state = StateUse
	}

	// Step 3: pin on-disk snapshot references.
	snap, err := handle.Pin(uint64(c.view))
	if err != nil {
		if c.onViewList {
			e.views.Remove(c.cookie)
		}
		slot.Release()
		return nil, kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "pin snapshot", err)
	}
	c.snapshot = snap

	// Step 4: release view (the pinned snapshot now holds the horizon).
	if c.onViewList {
		e.views.Remove(c.cookie)
		c.onViewList = false
	}

	// Step 5: non-txn cursors wait for in-flight commits to finish so they
	// never observe a partially-committed transaction.
	if boundTxn == nil {
		e.registry.DrainCommits()
	}

	// Step 6: prepare iterator state.
	iter, err := snap.Iterator(c.prefix, c.reverse)
	if err != nil {
		snap.Release()
		slot.Release()
		return nil, kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "prepare iterator", err)
	}
	// Position at the start of the prefix range so the first Read returns
	// the first pair.
	iter.Seek(nil)
	c.iter = iter

	e.live.Add(1)
	c.logger.Debug().Uint64("view", uint64(c.view)).Bool("reverse", reverse).Msg("cursor created")
	return c, nil
}

// Destroy releases all resources held by the cursor. Valid from any state.
func (c *Cursor) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onViewList {
		c.engine.views.Remove(c.cookie)
		c.onViewList = false
	}
	if c.iter != nil {
		c.iter.Close()
		c.iter = nil
	}
	if c.snapshot != nil {
		c.snapshot.Release()
		c.snapshot = nil
	}
	c.slot.Release()
	c.engine.live.Add(-1)
	return nil
}

// Bind attaches the cursor to an active transaction: USE -> TXN.
func (c *Cursor) Bind(t *txn.Txn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUse {
		return kvdberr.New(kvdberr.CodeInternal, kvdberr.KindState, "bind requires a cursor in USE state")
	}
	c.boundTxn = t
	c.bindGen++
	c.state = StateTxn
	return nil
}

// CommitBind transitions a txn-bound cursor to INV on its transaction's
// commit, per the cursor state table.
func (c *Cursor) CommitBind() error {
	return c.terminateBind()
}

// AbortBind transitions a txn-bound cursor to INV on its transaction's
// abort, per the cursor state table.
func (c *Cursor) AbortBind() error {
	return c.terminateBind()
}

func (c *Cursor) terminateBind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateTxn {
		return kvdberr.New(kvdberr.CodeInternal, kvdberr.KindState, "cursor is not TXN-bound")
	}
	c.state = StateInv
	return nil
}

// Update refreshes the cursor's view from the clock (USE/INV -> USE) or,
// if TXN-bound, makes newly visible txn-local writes readable without
// changing the view (TXN -> TXN). A cursor in ERR state rejects Update.
func (c *Cursor) Update() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUse, StateInv:
		return c.refreshLocked()
	case StateTxn:
		c.seenBindGen = c.bindGen
		return nil
	default:
		return kvdberr.New(kvdberr.CodeInternal, kvdberr.KindState, "update not permitted in state "+c.state.String())
	}
}

// refreshLocked re-pins a fresh snapshot at the current clock value,
// releasing the old one. Caller holds c.mu.
func (c *Cursor) refreshLocked() error {
	if c.iter != nil {
		c.iter.Close()
	}
	if c.snapshot != nil {
		c.snapshot.Release()
	}

	view, cookie := c.engine.views.Insert(c.engine.clock.Read)
	snap, err := c.handle.Pin(uint64(view))
	if err != nil {
		c.engine.views.Remove(cookie)
		c.state = StateErr
		c.kcErr = err
		return kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "refresh pin", err)
	}
	c.engine.views.Remove(cookie)
	c.engine.registry.DrainCommits()

	iter, err := snap.Iterator(c.prefix, c.reverse)
	if err != nil {
		snap.Release()
		c.state = StateErr
		c.kcErr = err
		return kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "refresh iterator", err)
	}
	iter.Seek(nil)

	c.view = view
	c.snapshot = snap
	c.iter = iter
	c.kcErr = nil
	c.state = StateUse
	return nil
}

// Seek positions the cursor at or after key (or, for reverse cursors, at
// or before key). A nil key seeks to the start of the prefix range. limit
// bounds a forward seek's range; reverse cursors reject a non-nil limit.
func (c *Cursor) Seek(key, limit []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reverse && limit != nil {
		return kvdberr.ErrInvalidArg
	}
	if err := c.checkReadableLocked(); err != nil {
		return err
	}

	c.iter.Seek(key)
	return nil
}

// Read returns the current (key, value) pair and advances the cursor, or
// reports EOF when the snapshot is exhausted.
func (c *Cursor) Read() (key, value []byte, eof bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkReadableLocked(); err != nil {
		return nil, nil, false, err
	}
	if !c.iter.Valid() {
		return nil, nil, true, nil
	}

	k := append([]byte(nil), c.iter.Key()...)
	v := append([]byte(nil), c.iter.Value()...)
	c.iter.Next()
	return k, v, false, nil
}

// checkReadableLocked implements the seek/read error-latching rule: if
// kc_err is set, retry once via refresh when the error is a benign retry
// class; otherwise surface the latched error. Caller holds c.mu.
func (c *Cursor) checkReadableLocked() error {
	if c.state == StateInv {
		return kvdberr.ErrStale
	}
	if c.kcErr == nil {
		return nil
	}
	if kvdberr.Is(c.kcErr, kvdberr.CodeBusy) {
		err := c.refreshLocked()
		if err == nil {
			return nil
		}
	}
	return c.kcErr
}

// Package txn implements the transaction registry and pool: allocation,
// recycling, and state-machine enforcement for ctxn descriptors, plus the
// per-process view horizon they pin. Grounded on original_source's
// kvdb_ctxn state machine (INVALID/ACTIVE/COMMITTED/ABORTED) and on the
// teacher's sync.Pool-free "short-lived handle" lifecycle conventions.
package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/victorstewart/kvdb/pkg/kvdberr"
	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/victorstewart/kvdb/pkg/seqno"
	"github.com/victorstewart/kvdb/pkg/viewset"
	"github.com/rs/zerolog"
)

// State is one of the four states a transaction descriptor passes through.
type State int

const (
	StateInvalid State = iota
	StateActive
	StateCommitted
	StateAborted

	// stateCommitting is an internal transient state held only while a
	// commit's publish call is in flight, so a concurrent Commit/Abort call
	// on the same txn sees a well-defined non-ACTIVE state and is rejected
	// rather than racing the in-flight publish.
	stateCommitting
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// OpKind identifies the kind of pending mutation recorded against a txn.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpPrefixDelete
)

// Mutation is one pending write recorded by an active transaction, to be
// published to the staging layer atomically at commit.
type Mutation struct {
	Kind  OpKind
	KVS   string
	Key   []byte
	Value []byte
}

// Publisher is the staging-layer (c0sk) boundary a transaction commits
// through: an external collaborator per spec §1, consumed here as an
// interface so the control plane never depends on a concrete tree.
type Publisher interface {
	Publish(view seqno.Seqno, muts []Mutation) error
}

// Locker is the per-KVS key-locking boundary, also an external collaborator
// per spec §1. Acquire blocks up to the transaction's configured timeout.
type Locker interface {
	Acquire(kvs string, key []byte, timeout time.Duration) error
	Release(kvs string, key []byte)
}

// Txn is a transaction descriptor. Zero value is StateInvalid and unusable
// until Begin is called (directly, or via Pool.Alloc followed by Begin).
type Txn struct {
	id       uuid.UUID
	registry *Registry
	mu       sync.Mutex
	state    State
	view     seqno.Seqno
	cookie   viewset.Cookie
	pending  []Mutation
	locked   []lockedKey
	deadline time.Time
	logger   zerolog.Logger
}

type lockedKey struct {
	kvs string
	key []byte
}

func (t *Txn) reset(r *Registry) {
	t.id = uuid.New()
	t.registry = r
	t.state = StateInvalid
	t.view = seqno.Undefined
	t.pending = t.pending[:0]
	t.locked = t.locked[:0]
	t.deadline = time.Time{}
	t.logger = log.WithTxnID(t.id.String())
}

// State returns the transaction's current state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TxnID returns the transaction's identifier.
func (t *Txn) TxnID() uuid.UUID { return t.id }

// View returns the transaction's snapshot seqno, valid once ACTIVE.
func (t *Txn) View() seqno.Seqno {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

// Begin transitions INVALID -> ACTIVE: it samples the current seqno (after
// a barrier, so no committed version is missed) and registers the view.
func (t *Txn) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateInvalid {
		return kvdberr.New(kvdberr.CodeInternal, kvdberr.KindState,
			fmt.Sprintf("begin called on txn in state %s", t.state))
	}

	view, cookie := t.registry.views.Insert(t.registry.clock.Read)
	t.view = view
	t.cookie = cookie
	t.state = StateActive
	t.deadline = time.Now().Add(t.registry.timeout)
	t.registry.active.Add(1)
	t.logger.Debug().Uint64("view", uint64(view)).Msg("transaction began")
	return nil
}

// Expired reports whether the transaction has outlived its configured
// timeout; checked lazily on the next operation, per spec §5.
func (t *Txn) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateActive && !t.deadline.IsZero() && time.Now().After(t.deadline)
}

// ExpireIfDue aborts the transaction if it is ACTIVE and past its deadline,
// reporting whether it did so. Called by the maintenance loop's periodic
// sweep in addition to the lazy check on next use.
func (t *Txn) ExpireIfDue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive || t.deadline.IsZero() || !time.Now().After(t.deadline) {
		return false
	}
	t.expireLocked()
	return true
}

// expireLocked flips an expired ACTIVE txn to ABORTED; caller holds t.mu.
func (t *Txn) expireLocked() {
	if t.state != StateActive {
		return
	}
	t.abortLocked()
	t.logger.Warn().Msg("transaction expired and was aborted")
}

// checkActive returns a CodeInternal state error if the txn is not usable
// for a put/get/del, expiring it first if the deadline passed.
func (t *Txn) checkActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateActive && !t.deadline.IsZero() && time.Now().After(t.deadline) {
		t.expireLocked()
	}
	if t.state != StateActive {
		return kvdberr.New(kvdberr.CodeInternal, kvdberr.KindState,
			fmt.Sprintf("operation requires ACTIVE txn, got %s", t.state))
	}
	return nil
}

// AddMutation records a pending write. Only valid on an ACTIVE txn.
func (t *Txn) AddMutation(m Mutation) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.mu.Lock()
	t.pending = append(t.pending, m)
	t.mu.Unlock()
	return nil
}

// Pending returns a snapshot of the transaction's uncommitted mutations,
// used by txn-bound cursors to make the txn's own writes visible.
func (t *Txn) Pending() []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mutation, len(t.pending))
	copy(out, t.pending)
	return out
}

// Lock acquires a key lock through the registry's Locker and records it so
// Commit/Abort can release it.
func (t *Txn) Lock(kvs string, key []byte) error {
	if err := t.registry.locker.Acquire(kvs, key, t.registry.timeout); err != nil {
		return err
	}
	t.mu.Lock()
	t.locked = append(t.locked, lockedKey{kvs: kvs, key: append([]byte(nil), key...)})
	t.mu.Unlock()
	return nil
}

func (t *Txn) releaseLocksLocked() {
	for _, lk := range t.locked {
		t.registry.locker.Release(lk.kvs, lk.key)
	}
	t.locked = t.locked[:0]
}

// Commit assigns a new seqno, publishes pending mutations to the staging
// layer at that seqno, releases key locks, and deregisters the view.
// Double-commit is a no-op reported as an error, per spec §4.C.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return kvdberr.New(kvdberr.CodeInternal, kvdberr.KindState,
			fmt.Sprintf("commit called on txn in state %s", t.state))
	}

	t.state = stateCommitting
	commitSeq := t.registry.clock.Advance()
	muts := append([]Mutation(nil), t.pending...)
	t.mu.Unlock()

	t.registry.beginCommit()
	defer t.registry.endCommit()

	if err := t.registry.publisher.Publish(commitSeq, muts); err != nil {
		t.mu.Lock()
		t.state = StateActive
		t.mu.Unlock()
		return kvdberr.Wrap(kvdberr.CodeNonRecoverable, kvdberr.KindRetry, "commit publish failed", err)
	}

	t.mu.Lock()
	t.state = StateCommitted
	t.releaseLocksLocked()
	t.mu.Unlock()

	t.registry.views.Remove(t.cookie)
	t.registry.active.Add(-1)
	t.registry.notifyIngest(commitSeq, muts)
	t.logger.Debug().Uint64("commit_seqno", uint64(commitSeq)).Msg("transaction committed")
	return nil
}

// Abort discards pending mutations, releases locks, and deregisters the
// view. Double-abort is a no-op reported as an error.
func (t *Txn) Abort() error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return kvdberr.New(kvdberr.CodeInternal, kvdberr.KindState,
			fmt.Sprintf("abort called on txn in state %s", t.state))
	}
	t.abortLocked()
	t.mu.Unlock()
	return nil
}

// abortLocked performs the abort transition; caller holds t.mu.
func (t *Txn) abortLocked() {
	t.state = StateAborted
	t.pending = t.pending[:0]
	t.releaseLocksLocked()
	t.registry.views.Remove(t.cookie)
	t.registry.active.Add(-1)
}

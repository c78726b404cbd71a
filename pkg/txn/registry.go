package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/victorstewart/kvdb/pkg/events"
	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/victorstewart/kvdb/pkg/seqno"
	"github.com/victorstewart/kvdb/pkg/viewset"
	"github.com/rs/zerolog"
)

// Registry owns the transaction ViewSet, the shared clock reference, the
// recycling Pool, and the collaborators a Txn needs at commit time. One
// Registry exists per open database.
type Registry struct {
	clock     *seqno.Clock
	views     *viewset.ViewSet
	publisher Publisher
	locker    Locker
	timeout   time.Duration
	pool      *Pool
	active    atomic.Int64
	logger    zerolog.Logger

	notifier   *events.Broker
	generation atomic.Uint64

	// commitBarrier lets non-txn cursor creation drain all in-flight
	// commits before taking its snapshot (spec §4.E step 5): every commit
	// holds the barrier for shared read access while publishing, and
	// DrainCommits takes it exclusively, which can only succeed once every
	// concurrent commit has released its read hold.
	commitBarrier sync.RWMutex
}

// Config configures a Registry's behavior.
type Config struct {
	Timeout time.Duration // transaction lifetime before lazy expiry
}

// DefaultConfig mirrors the original's default ctxn timeout.
func DefaultConfig() Config {
	return Config{Timeout: 60 * time.Second}
}

// NewRegistry constructs a Registry. publisher and locker are the external
// collaborators (staging layer, per-KVS key locking) this registry's
// transactions commit and lock through.
func NewRegistry(clock *seqno.Clock, publisher Publisher, locker Locker, cfg Config) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	r := &Registry{
		clock:     clock,
		views:     viewset.New(),
		publisher: publisher,
		locker:    locker,
		timeout:   cfg.Timeout,
		logger:    log.WithComponent("txn"),
	}
	r.pool = NewPool(r)
	return r
}

// Alloc hands out a fresh (INVALID-state) transaction descriptor from the
// pool; call Begin to activate it.
func (r *Registry) Alloc() *Txn { return r.pool.Alloc() }

// Free returns a transaction descriptor to the pool, aborting it first if
// still ACTIVE.
func (r *Registry) Free(t *Txn) { r.pool.Free(t) }

// ActiveCount returns the number of currently ACTIVE transactions.
func (r *Registry) ActiveCount() int64 { return r.active.Load() }

// SetNotifier installs the on_cn_ingest callback object (spec §9): every
// publish this registry resolves, whether from a committing Txn or a
// single-op PublishSingle call, raises one IngestNotice per distinct KVS
// touched. A nil notifier (the default) disables this.
func (r *Registry) SetNotifier(b *events.Broker) { r.notifier = b }

// notifyIngest raises one IngestNotice per distinct KVS named in muts.
func (r *Registry) notifyIngest(seq seqno.Seqno, muts []Mutation) {
	if r.notifier == nil {
		return
	}
	gen := r.generation.Add(1)
	horizon := r.Horizon()
	seen := make(map[string]bool, 1)
	for _, m := range muts {
		if seen[m.KVS] {
			continue
		}
		seen[m.KVS] = true
		r.notifier.Notify(&events.IngestNotice{
			Seqno:      seq,
			Generation: gen,
			TxnHorizon: horizon,
			KVS:        m.KVS,
		})
	}
}

// Horizon returns the oldest seqno any live transaction view could still
// observe, or seqno.Max if none are active.
func (r *Registry) Horizon() seqno.Seqno { return r.views.Horizon() }

// beginCommit and endCommit bracket a transaction's publish call; used by
// Txn.Commit.
func (r *Registry) beginCommit() { r.commitBarrier.RLock() }
func (r *Registry) endCommit()   { r.commitBarrier.RUnlock() }

// DrainCommits blocks until every commit in flight at the time of the call
// has finished publishing, then returns. Used by cursor creation so a
// non-txn cursor's snapshot never observes a partially-committed
// transaction.
func (r *Registry) DrainCommits() {
	r.commitBarrier.Lock()
	r.commitBarrier.Unlock()
}

// PublishSingle assigns a fresh seqno and publishes muts directly, for a
// non-transactional caller. It brackets the publish with the same commit
// barrier a Txn.Commit holds, so cursor creation's commit-drain step sees
// single-op writes exactly as it sees transactional ones. Conceptually
// this is where the data model's SINGLE seqnoref is "resolved immediately"
// (as opposed to a txn's deferred-to-commit placeholder) — the control
// plane still needs one real, unique ordinal out of the clock regardless
// of which resolution strategy produced it.
func (r *Registry) PublishSingle(muts []Mutation) (seqno.Seqno, error) {
	seq := r.clock.Advance()

	r.beginCommit()
	defer r.endCommit()

	if err := r.publisher.Publish(seq, muts); err != nil {
		return seqno.Undefined, err
	}
	r.notifyIngest(seq, muts)
	return seq, nil
}

// SweepExpired aborts every ACTIVE transaction in txns whose timeout has
// elapsed. Intended to be called from the KVS-maintenance loop each tick,
// since Txn.checkActive only expires lazily on next use otherwise.
func (r *Registry) SweepExpired(txns []*Txn) (expired int) {
	for _, t := range txns {
		if t.ExpireIfDue() {
			expired++
			r.logger.Warn().Str("txn_id", t.TxnID().String()).Msg("sweeping expired transaction")
		}
	}
	return expired
}

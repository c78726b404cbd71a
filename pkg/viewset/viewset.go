// Package viewset implements the concurrency-safe ordered collection of live
// reader views described by the KVDB data model: a (seqno, cookie) pin that
// prevents reclamation of versions at or below its seqno. A database holds
// two independent ViewSets — one for transactions, one for cursors — and the
// database horizon is the min across both (see pkg/kvdb).
package viewset

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"
	"github.com/victorstewart/kvdb/pkg/seqno"
)

// Cookie identifies one entry in a ViewSet. Callers (cursors, transactions)
// hold onto it for the lifetime of their view and pass it to Remove.
type Cookie = uuid.UUID

const shardCount = 16

// entry is one live view inside a shard's min-heap.
type entry struct {
	cookie Cookie
	view   seqno.Seqno
	index  int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].view < h[j].view }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type shard struct {
	mu      sync.Mutex
	heap    entryHeap
	byToken map[Cookie]*entry
}

// ViewSet is a sharded, concurrency-safe multiset of live views plus a
// cached horizon (the minimum live view seqno, or seqno.Max if empty).
type ViewSet struct {
	shards [shardCount]*shard

	// horizonMu guards both recomputing the cached horizon on Insert/Remove
	// and reading it back from Horizon; the read is a plain mutex-protected
	// load of the cache, not a lock-free read.
	horizonMu sync.Mutex
	cached    seqno.Seqno
	cachedOK  bool
}

// New returns an empty ViewSet.
func New() *ViewSet {
	vs := &ViewSet{cached: seqno.Max, cachedOK: true}
	for i := range vs.shards {
		vs.shards[i] = &shard{byToken: make(map[Cookie]*entry)}
	}
	return vs
}

func (vs *ViewSet) shardFor(c Cookie) *shard {
	var h uint64
	for _, b := range c {
		h = h*31 + uint64(b)
	}
	return vs.shards[h%shardCount]
}

// Insert samples the current seqno via sample (typically clock.Read, called
// exactly once, under the shard lock, so no committed version between the
// sample and the registration can be missed) and registers a new view at
// that seqno, returning the view's seqno and its cookie.
func (vs *ViewSet) Insert(sample func() seqno.Seqno) (seqno.Seqno, Cookie) {
	cookie := uuid.New()
	sh := vs.shardFor(cookie)

	sh.mu.Lock()
	view := sample()
	e := &entry{cookie: cookie, view: view}
	heap.Push(&sh.heap, e)
	sh.byToken[cookie] = e
	sh.mu.Unlock()

	vs.horizonMu.Lock()
	if !vs.cachedOK || view < vs.cached {
		vs.cached = view
		vs.cachedOK = true
	}
	vs.horizonMu.Unlock()

	return view, cookie
}

// InsertAt registers a view at an already-known seqno (used by txn-bound
// cursors, which inherit the transaction's view rather than sampling fresh).
func (vs *ViewSet) InsertAt(view seqno.Seqno) Cookie {
	_, cookie := vs.Insert(func() seqno.Seqno { return view })
	return cookie
}

// Remove deregisters a view. If the removed view held the cached minimum,
// the horizon is recomputed by scanning every shard's live minimum — the
// advisory lag the spec permits is bounded by the cost of this scan, which
// only happens when the minimum itself is removed.
func (vs *ViewSet) Remove(cookie Cookie) {
	sh := vs.shardFor(cookie)

	sh.mu.Lock()
	e, ok := sh.byToken[cookie]
	if !ok {
		sh.mu.Unlock()
		return
	}
	delete(sh.byToken, cookie)
	heap.Remove(&sh.heap, e.index)
	removedView := e.view
	sh.mu.Unlock()

	vs.horizonMu.Lock()
	if vs.cachedOK && removedView == vs.cached {
		vs.cached, vs.cachedOK = vs.recomputeLocked()
	}
	vs.horizonMu.Unlock()
}

// recomputeLocked scans every shard's live minimum. Caller holds horizonMu.
func (vs *ViewSet) recomputeLocked() (seqno.Seqno, bool) {
	min := seqno.Max
	found := false
	for _, sh := range vs.shards {
		sh.mu.Lock()
		if len(sh.heap) > 0 {
			if !found || sh.heap[0].view < min {
				min = sh.heap[0].view
				found = true
			}
		}
		sh.mu.Unlock()
	}
	return min, found
}

// Horizon returns the oldest still-needed seqno, or seqno.Max if the
// ViewSet is empty. It is advisory: under concurrent Insert/Remove it may
// lag the true minimum by a bounded amount, but it never claims a seqno
// older than an extant view.
func (vs *ViewSet) Horizon() seqno.Seqno {
	vs.horizonMu.Lock()
	defer vs.horizonMu.Unlock()
	if !vs.cachedOK {
		return seqno.Max
	}
	return vs.cached
}

// Len returns the number of live views, primarily for admission control and
// tests; it is an approximation under concurrent mutation.
func (vs *ViewSet) Len() int {
	n := 0
	for _, sh := range vs.shards {
		sh.mu.Lock()
		n += len(sh.byToken)
		sh.mu.Unlock()
	}
	return n
}

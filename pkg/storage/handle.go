package storage

import (
	"bytes"
	"sort"
	"time"

	"github.com/victorstewart/kvdb/pkg/kvsdir"
	bolt "go.etcd.io/bbolt"
)

// boltKVS is the per-KVS read handle BoltEngine.Open hands back. All
// writes go through BoltEngine.Publish (the txn.Publisher path), shared by
// both transactional commits and single-op non-txn writes, so boltKVS
// itself only needs to serve reads.
type boltKVS struct {
	engine  *BoltEngine
	name    string
	cnid    uint64
	cparams kvsdir.CreateParams
	rparams kvsdir.RuntimeParams
}

// Get returns the newest version of key visible at or before view.
func (h *boltKVS) Get(key []byte, view uint64) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := h.engine.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(h.name))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.Seek(seekKey(key, view))
		if k == nil {
			return nil
		}
		userKey, keySeqno := splitVersionKey(k)
		if !bytes.Equal(userKey, key) {
			return nil
		}
		if tombSeq, ok := h.prefixTombstoneSeqno(tx, key, view); ok && keySeqno < tombSeq {
			return nil
		}
		if v[0] == tagTombstone {
			return nil
		}
		value = append([]byte(nil), v[1:]...)
		found = true
		return nil
	})
	return value, found, err
}

// prefixTombstoneSeqno looks up the newest prefix-delete tombstone visible
// at or before view that covers key, returning its seqno. A key version
// strictly older than this seqno is masked as deleted; a version at the
// same seqno was written by the same batch that carried the tombstone (the
// puts ordered after it in that batch) and stays visible, per the
// same-batch-writes-after-the-tombstone-remain-visible rule.
func (h *boltKVS) prefixTombstoneSeqno(tx *bolt.Tx, key []byte, view uint64) (uint64, bool) {
	plen := h.cparams.PrefixLen
	if plen <= 0 || len(key) < plen {
		return 0, false
	}
	b := tx.Bucket([]byte(h.name))
	if b == nil {
		return 0, false
	}
	prefix := key[:plen]
	c := b.Cursor()
	k, v := c.Seek(seekKey(prefix, view))
	if k == nil {
		return 0, false
	}
	userKey, seq := splitVersionKey(k)
	if !bytes.Equal(userKey, prefix) || v[0] != tagPrefixTomstone {
		return 0, false
	}
	return seq, true
}

// Pin opens a bbolt read transaction at the current on-disk state and
// wraps it as a Snapshot fixed at view. bbolt's read transactions are
// themselves consistent, isolated snapshots of the file (never torn by a
// concurrent Update), which is exactly the pinning guarantee the cursor
// creation protocol needs: the Snapshot stays valid for Iterator calls
// until Release, regardless of writes that commit afterward.
func (h *boltKVS) Pin(view uint64) (Snapshot, error) {
	tx, err := h.engine.db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &boltSnapshot{tx: tx, name: h.name, view: view, prefixLen: h.cparams.PrefixLen}, nil
}

// boltSnapshot is a pinned read-only bbolt transaction scoped to one KVS
// and one view seqno.
type boltSnapshot struct {
	tx        *bolt.Tx
	name      string
	view      uint64
	prefixLen int
}

// prefixTombstoneSeqno is the Iterator-side counterpart of
// boltKVS.prefixTombstoneSeqno, evaluated against the snapshot's pinned
// view rather than a per-call view argument.
func (s *boltSnapshot) prefixTombstoneSeqno(key []byte) (uint64, bool) {
	if s.prefixLen <= 0 || len(key) < s.prefixLen {
		return 0, false
	}
	b := s.tx.Bucket([]byte(s.name))
	if b == nil {
		return 0, false
	}
	prefix := key[:s.prefixLen]
	c := b.Cursor()
	k, v := c.Seek(seekKey(prefix, s.view))
	if k == nil {
		return 0, false
	}
	userKey, seq := splitVersionKey(k)
	if !bytes.Equal(userKey, prefix) || v[0] != tagPrefixTomstone {
		return 0, false
	}
	return seq, true
}

// Iterator builds a buffered, ordered view of every live key under prefix
// as of the snapshot's view, reusing the pinned transaction so the result
// reflects the state pinned at Pin time even if writes land afterward.
func (s *boltSnapshot) Iterator(prefix []byte, reverse bool) (Iterator, error) {
	pairs := s.snapshotPrefix(prefix)
	if reverse {
		for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
			pairs[i], pairs[j] = pairs[j], pairs[i]
		}
	}
	return &bufferIterator{pairs: pairs, idx: -1, reverse: reverse}, nil
}

// Release ends the pinned transaction.
func (s *boltSnapshot) Release() error { return s.tx.Rollback() }

// snapshotPrefix resolves, for every distinct live user key under prefix,
// the newest version visible at or before the snapshot's view, in
// ascending key order.
func (s *boltSnapshot) snapshotPrefix(prefix []byte) []kvPair {
	b := s.tx.Bucket([]byte(s.name))
	if b == nil {
		return nil
	}
	escPrefix := escapedPrefix(prefix)

	var pairs []kvPair
	c := b.Cursor()
	var lastUser []byte
	for k, v := c.Seek(escPrefix); k != nil && bytes.HasPrefix(k, escPrefix); k, v = c.Next() {
		userKey, keySeqno := splitVersionKey(k)
		if lastUser != nil && bytes.Equal(userKey, lastUser) {
			continue // older version of a key already resolved
		}
		if keySeqno > s.view {
			continue // not yet visible at this view; keep scanning older versions
		}
		lastUser = userKey // newest version <= view: this key is now resolved
		if v[0] == tagTombstone || v[0] == tagPrefixTomstone {
			continue
		}
		if tombSeq, ok := s.prefixTombstoneSeqno(userKey); ok && keySeqno < tombSeq {
			continue
		}
		pairs = append(pairs, kvPair{key: append([]byte(nil), userKey...), val: append([]byte(nil), v[1:]...)})
	}
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].key, pairs[j].key) < 0 })
	return pairs
}

// Close implements kvsdir.KVSHandle; boltKVS holds no per-open resources
// beyond the shared *bolt.DB, so this is a no-op.
func (h *boltKVS) Close() error { return nil }

// Maintain folds staged versions for this KVS forward, invoked once per
// KVS-maintenance loop tick. horizon is the oldest seqno any live cursor
// or transaction view could still observe; no version a view at or above
// horizon could need is reclaimed.
func (h *boltKVS) Maintain(now time.Time, horizon uint64) error {
	return h.engine.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(h.name))
		if b == nil {
			return nil
		}
		return compactBucket(b, horizon)
	})
}

type kvPair struct {
	key []byte
	val []byte
}

// bufferIterator serves Iterator over a pre-resolved, already-ordered
// (for the requested direction) slice of live key/value pairs.
type bufferIterator struct {
	pairs   []kvPair
	idx     int
	reverse bool
}

func (it *bufferIterator) Seek(key []byte) bool {
	if key == nil {
		// start of the range in the iterator's own direction
		it.idx = 0
		return it.Valid()
	}
	cmp := func(p kvPair) bool {
		if it.reverse {
			return bytes.Compare(p.key, key) <= 0
		}
		return bytes.Compare(p.key, key) >= 0
	}
	for i, p := range it.pairs {
		if cmp(p) {
			it.idx = i
			return true
		}
	}
	it.idx = len(it.pairs)
	return false
}

func (it *bufferIterator) Next() bool {
	if it.idx+1 >= len(it.pairs) {
		it.idx = len(it.pairs)
		return false
	}
	it.idx++
	return true
}

func (it *bufferIterator) Valid() bool {
	return it.idx >= 0 && it.idx < len(it.pairs)
}

func (it *bufferIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.pairs[it.idx].key
}

func (it *bufferIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.pairs[it.idx].val
}

func (it *bufferIterator) Close() error { return nil }

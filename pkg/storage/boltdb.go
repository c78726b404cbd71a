package storage

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victorstewart/kvdb/pkg/kvdberr"
	"github.com/victorstewart/kvdb/pkg/kvsdir"
	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/victorstewart/kvdb/pkg/seqno"
	"github.com/victorstewart/kvdb/pkg/txn"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var metaBucket = []byte("__cndb__")

const (
	tagValue          byte = 0
	tagTombstone      byte = 1
	tagPrefixTomstone byte = 2
)

// BoltEngine implements Engine on top of a single bbolt file: one bucket
// per KVS holding MVCC-versioned composite keys (see keyenc.go), plus a
// metadata bucket standing in for cndb's name/cnid catalog.
type BoltEngine struct {
	db       *bolt.DB
	dataDir  string
	nextCnid atomic.Uint64

	compactMu     sync.Mutex
	compactStatus CompactStatus

	logger zerolog.Logger
}

// NewBoltEngine opens (creating if needed) the database file under dataDir.
func NewBoltEngine(dataDir string) (*BoltEngine, error) {
	path := filepath.Join(dataDir, "kvdb.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "open storage file", err)
	}

	e := &BoltEngine{db: db, dataDir: dataDir, logger: log.WithComponent("storage")}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "init metadata bucket", err)
	}

	if err := e.loadCnidCounter(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *BoltEngine) loadCnidCounter() error {
	return e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		c := b.Cursor()
		var max uint64
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) >= 5 && string(k[:5]) == "cnid:" {
				if n := decodeCnid(v); n > max {
					max = n
				}
			}
		}
		e.nextCnid.Store(max)
		return nil
	})
}

func decodeCnid(v []byte) uint64 {
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return n
}

func encodeCnid(n uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(n)
		n >>= 8
	}
	return out
}

func nameKey(name string) []byte { return append([]byte("name:"), name...) }
func cnidKey(cnid uint64) []byte { return append([]byte("cnid:"), encodeCnid(cnid)...) }

// CreateKVS implements kvsdir.TreeMetadata: assigns a stable cnid and
// records the name<->cnid mapping and the backing bucket.
func (e *BoltEngine) CreateKVS(name string, params kvsdir.CreateParams) (uint64, error) {
	cnid := e.nextCnid.Add(1)
	err := e.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get(nameKey(name)) != nil {
			return kvdberr.ErrAlreadyExists
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return err
		}
		if err := meta.Put(nameKey(name), encodeCnid(cnid)); err != nil {
			return err
		}
		return meta.Put(cnidKey(cnid), []byte(name))
	})
	if err != nil {
		return 0, err
	}
	return cnid, nil
}

// DropKVS implements kvsdir.TreeMetadata: deletes the bucket and catalog
// entries for cnid.
func (e *BoltEngine) DropKVS(cnid uint64) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		name := meta.Get(cnidKey(cnid))
		if name == nil {
			return kvdberr.ErrNotFound
		}
		if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if err := meta.Delete(nameKey(string(name))); err != nil {
			return err
		}
		return meta.Delete(cnidKey(cnid))
	})
}

// Open implements kvsdir.Opener.
func (e *BoltEngine) Open(name string, cnid uint64, cparams kvsdir.CreateParams, rparams kvsdir.RuntimeParams) (kvsdir.KVSHandle, error) {
	return &boltKVS{engine: e, name: name, cnid: cnid, cparams: cparams, rparams: rparams}, nil
}

// Publish implements txn.Publisher: applies a batch of mutations across
// possibly many KVSes atomically in a single bbolt transaction, each
// tagged with the given commit seqno.
func (e *BoltEngine) Publish(view seqno.Seqno, muts []txn.Mutation) error {
	v := uint64(view)
	return e.db.Update(func(tx *bolt.Tx) error {
		for i, m := range muts {
			b := tx.Bucket([]byte(m.KVS))
			if b == nil {
				return kvdberr.ErrNotFound
			}
			switch m.Kind {
			case txn.OpPut:
				rec := append([]byte{tagValue}, m.Value...)
				if err := b.Put(encodeVersionKey(m.Key, v), rec); err != nil {
					return err
				}
			case txn.OpDelete:
				if err := b.Put(encodeVersionKey(m.Key, v), []byte{tagTombstone}); err != nil {
					return err
				}
			case txn.OpPrefixDelete:
				// Writes earlier in this batch share the tombstone's seqno, so
				// the masking rule would keep them; drop those under the prefix
				// so only the batch's writes ordered after it stay visible.
				for _, prev := range muts[:i] {
					if prev.KVS == m.KVS && prev.Kind != txn.OpPrefixDelete &&
						len(prev.Key) >= len(m.Key) && string(prev.Key[:len(m.Key)]) == string(m.Key) {
						if err := b.Delete(encodeVersionKey(prev.Key, v)); err != nil {
							return err
						}
					}
				}
				if err := b.Put(encodeVersionKey(m.Key, v), []byte{tagPrefixTomstone}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Sync does nothing: bbolt already fsyncs its file on every Update commit,
// so there is nothing left to flush. It is kept for API symmetry with
// kvdb_sync.
func (e *BoltEngine) Sync() error { return nil }

// Compact folds every KVS's versioned keys forward to their newest version
// (tombstones included), so long-lived databases don't retain unbounded
// history. Unlike the KVS-maintenance tick's horizon-gated Maintain hook,
// an explicit Compact call is a deliberate, caller-requested full sweep and
// is not bounded by the live horizon. A real cn/c0 compactor does this
// continuously and online; this reference engine does it synchronously
// under Compact, and every call is a full pass whatever the full flag says.
func (e *BoltEngine) Compact(full bool) error {
	e.compactMu.Lock()
	e.compactStatus = CompactStatus{Active: true, SamplePct: 0}
	e.compactMu.Unlock()

	err := e.db.Update(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if string(name) == string(metaBucket) {
				return nil
			}
			return compactBucket(b, ^uint64(0))
		})
	})

	e.compactMu.Lock()
	e.compactStatus = CompactStatus{Active: false, SamplePct: 100}
	e.compactMu.Unlock()
	return err
}

// compactBucket drops, for every user key, every version strictly older
// than that key's floor version — the newest version visible at or before
// horizon, i.e. the oldest version any live cursor or transaction view
// could still need (spec §8's horizon invariant: no version a live view
// could observe may be reclaimed). Versions newer than the floor (needed
// by views between horizon and the current clock) and the floor itself
// are kept; if a key has no version at or before horizon yet, nothing of
// it is reclaimed. It buffers the delete set since bbolt disallows
// structural mutation mid-cursor-scan.
func compactBucket(b *bolt.Bucket, horizon uint64) error {
	c := b.Cursor()
	var stale [][]byte
	var lastUser []byte
	var floorSeen bool
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		userKey, keySeqno := splitVersionKey(k)
		if lastUser == nil || string(userKey) != string(lastUser) {
			lastUser = userKey
			floorSeen = false
		}
		if floorSeen {
			dup := make([]byte, len(k))
			copy(dup, k)
			stale = append(stale, dup)
			continue
		}
		if keySeqno <= horizon {
			floorSeen = true
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// CompactStatus implements Engine.
func (e *BoltEngine) CompactStatus() CompactStatus {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()
	return e.compactStatus
}

// Info implements Engine.
func (e *BoltEngine) Info() StorageInfo {
	var size int64
	if fi, err := os.Stat(filepath.Join(e.dataDir, "kvdb.db")); err == nil {
		size = fi.Size()
	}
	return StorageInfo{
		CapacityPath: e.dataDir,
		StagingPath:  e.dataDir,
		CapacityUsed: uint64(size),
		StagingUsed:  0,
	}
}

// Close implements Engine.
func (e *BoltEngine) Close() error {
	return e.db.Close()
}

/*
Package storage provides the reference external-collaborator implementation
the control plane needs: tree metadata (cndb), KVS instantiation (cn/c0),
and mutation publishing (the staging layer's commit boundary). Everything
above this package treats these as interfaces (kvsdir.Opener,
kvsdir.TreeMetadata, txn.Publisher); BoltEngine is one concrete engine built
on bbolt so the control plane is runnable end to end without a production
storage stack wired in.

# Architecture

	┌──────────────────── BOLTENGINE ──────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              BoltEngine                      │          │
	│  │  - File: <dataDir>/kvdb.db                  │          │
	│  │  - One bolt bucket per created KVS           │          │
	│  │  - __cndb__ bucket: name <-> cnid catalog   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         MVCC Key Encoding (keyenc.go)        │          │
	│  │  escape(userKey) ++ 0x00 0x00 ++ ^seqno      │          │
	│  │  preserves byte ordering across user keys,   │          │
	│  │  sorts newest version of a key first         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Publish (txn.Publisher)               │          │
	│  │  - one bolt.Update per commit/single-op      │          │
	│  │  - tags every mutation with its seqno        │          │
	│  │  - tombstone/prefix-tombstone tags for del   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Reads (boltKVS, bufferIterator)     │          │
	│  │  - Get: seek to (key, view), skip tombstone │          │
	│  │  - Pin + Iterator: snapshot prefix at view   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Compaction

Compact folds every versioned key in every bucket down to its newest
version, dropping stale versions; a tombstone that is a key's newest
version is kept. A
production cn/c0 does this continuously in the background; this reference
engine does it synchronously when kvdb_compact is called (an unconditional
full collapse), and also once per KVS-maintenance-loop tick via the
KVSHandle.Maintain hook — there, reclamation is gated on the live horizon
passed into Maintain, so a version any live cursor or transaction view
could still need survives the tick even if it isn't the newest.

# Usage

Constructing an engine and wiring it into the control plane:

	engine, err := storage.NewBoltEngine(dataDir)
	db, err := kvdb.OpenWithEngine(engine, kvdb.DefaultConfig())

BoltEngine satisfies kvsdir.Opener and kvsdir.TreeMetadata directly, and
txn.Publisher for commit and single-op writes alike.
*/
package storage

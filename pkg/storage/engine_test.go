package storage

import (
	"testing"
	"time"

	"github.com/victorstewart/kvdb/pkg/kvsdir"
	"github.com/victorstewart/kvdb/pkg/seqno"
	"github.com/victorstewart/kvdb/pkg/txn"
	bolt "go.etcd.io/bbolt"
)

func newTestEngine(t *testing.T) *BoltEngine {
	t.Helper()
	e, err := NewBoltEngine(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltEngine() error: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateKVSAssignsStableCnid(t *testing.T) {
	e := newTestEngine(t)
	cnid1, err := e.CreateKVS("kvs1", kvsdir.CreateParams{})
	if err != nil {
		t.Fatalf("CreateKVS() error: %v", err)
	}
	cnid2, err := e.CreateKVS("kvs2", kvsdir.CreateParams{})
	if err != nil {
		t.Fatalf("CreateKVS() error: %v", err)
	}
	if cnid1 == cnid2 {
		t.Fatalf("expected distinct cnids, got %d and %d", cnid1, cnid2)
	}
}

func TestCreateKVSDuplicateNameFails(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateKVS("kvs1", kvsdir.CreateParams{}); err != nil {
		t.Fatalf("CreateKVS() error: %v", err)
	}
	if _, err := e.CreateKVS("kvs1", kvsdir.CreateParams{}); err == nil {
		t.Fatal("expected error creating duplicate kvs name")
	}
}

func TestPublishThenGetSeesNewestVersion(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateKVS("kvs1", kvsdir.CreateParams{}); err != nil {
		t.Fatalf("CreateKVS() error: %v", err)
	}
	handle, err := e.Open("kvs1", 1, kvsdir.CreateParams{}, kvsdir.RuntimeParams{})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	kvs := handle.(*boltKVS)

	if err := e.Publish(seqno.Seqno(5), []txn.Mutation{{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("k"), Value: []byte("v1")}}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := e.Publish(seqno.Seqno(10), []txn.Mutation{{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("k"), Value: []byte("v2")}}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	val, found, err := kvs.Get([]byte("k"), 100)
	if err != nil || !found || string(val) != "v2" {
		t.Fatalf("Get(view=100) = (%q, %v, %v), want (v2, true, nil)", val, found, err)
	}

	val, found, err = kvs.Get([]byte("k"), 5)
	if err != nil || !found || string(val) != "v1" {
		t.Fatalf("Get(view=5) = (%q, %v, %v), want (v1, true, nil)", val, found, err)
	}

	_, found, err = kvs.Get([]byte("k"), 2)
	if err != nil || found {
		t.Fatalf("Get(view=2) should see no version yet, got found=%v err=%v", found, err)
	}
}

func TestPublishDeleteTombstonesKey(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.CreateKVS("kvs1", kvsdir.CreateParams{})
	handle, _ := e.Open("kvs1", 1, kvsdir.CreateParams{}, kvsdir.RuntimeParams{})
	kvs := handle.(*boltKVS)

	_ = e.Publish(seqno.Seqno(1), []txn.Mutation{{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("k"), Value: []byte("v1")}})
	_ = e.Publish(seqno.Seqno(2), []txn.Mutation{{Kind: txn.OpDelete, KVS: "kvs1", Key: []byte("k")}})

	_, found, err := kvs.Get([]byte("k"), 10)
	if err != nil || found {
		t.Fatalf("Get() after delete = found=%v err=%v, want not found", found, err)
	}
}

func TestIteratorYieldsSortedPrefixScan(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.CreateKVS("kvs1", kvsdir.CreateParams{})
	handle, _ := e.Open("kvs1", 1, kvsdir.CreateParams{}, kvsdir.RuntimeParams{})
	kvs := handle.(*boltKVS)

	muts := []txn.Mutation{
		{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("a/1"), Value: []byte("1")},
		{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("a/2"), Value: []byte("2")},
		{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("b/1"), Value: []byte("3")},
	}
	if err := e.Publish(seqno.Seqno(1), muts); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	snap, err := kvs.Pin(10)
	if err != nil {
		t.Fatalf("Pin() error: %v", err)
	}
	defer snap.Release()
	it, err := snap.Iterator([]byte("a/"), false)
	if err != nil {
		t.Fatalf("Iterator() error: %v", err)
	}
	defer it.Close()

	var got []string
	for it.Seek(nil); it.Valid(); it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	want := []string{"a/1=1", "a/2=2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("prefix scan = %v, want %v", got, want)
	}
}

func TestIteratorFallsBackToOlderVisibleVersion(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.CreateKVS("kvs1", kvsdir.CreateParams{})
	handle, _ := e.Open("kvs1", 1, kvsdir.CreateParams{}, kvsdir.RuntimeParams{})
	kvs := handle.(*boltKVS)

	if err := e.Publish(seqno.Seqno(1), []txn.Mutation{{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("a"), Value: []byte("old")}}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	// Pin a snapshot at view=1, simulating a cursor/txn whose view predates
	// the next commit.
	snap, err := kvs.Pin(1)
	if err != nil {
		t.Fatalf("Pin() error: %v", err)
	}
	defer snap.Release()

	// A newer version of "a" commits after the snapshot was pinned; a scan
	// against the pinned snapshot must still fall back to the older,
	// visible version rather than hiding the key entirely.
	if err := e.Publish(seqno.Seqno(2), []txn.Mutation{{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("a"), Value: []byte("new")}}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	it, err := snap.Iterator(nil, false)
	if err != nil {
		t.Fatalf("Iterator() error: %v", err)
	}
	defer it.Close()

	it.Seek(nil)
	if !it.Valid() {
		t.Fatal("expected the pinned snapshot to still see key \"a\" at its older visible version")
	}
	if string(it.Key()) != "a" || string(it.Value()) != "old" {
		t.Fatalf("Iterator() = (%q, %q), want (a, old)", it.Key(), it.Value())
	}
	it.Next()
	if it.Valid() {
		t.Fatalf("expected exactly one visible pair, got an extra: %q=%q", it.Key(), it.Value())
	}
}

func TestMaintainReclaimsOnlyBelowHorizon(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.CreateKVS("kvs1", kvsdir.CreateParams{})
	handle, _ := e.Open("kvs1", 1, kvsdir.CreateParams{}, kvsdir.RuntimeParams{})
	kvs := handle.(*boltKVS)

	for i := 1; i <= 5; i++ {
		if err := e.Publish(seqno.Seqno(i), []txn.Mutation{{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("k"), Value: []byte("v")}}); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}

	// horizon=3: a live view could still need the newest version <= 3, so
	// versions 1 and 2 are reclaimable but 3, 4, and 5 must survive.
	if err := kvs.Maintain(time.Time{}, 3); err != nil {
		t.Fatalf("Maintain() error: %v", err)
	}

	count := 0
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("kvs1"))
		return b.ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 remaining versions after Maintain(horizon=3), got %d", count)
	}

	val, found, err := kvs.Get([]byte("k"), 3)
	if err != nil || !found || string(val) != "v" {
		t.Fatalf("Get(view=3) after Maintain = (%q, %v, %v), want (v, true, nil)", val, found, err)
	}
}

func TestIteratorReverseYieldsReversedOrder(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.CreateKVS("kvs1", kvsdir.CreateParams{})
	handle, _ := e.Open("kvs1", 1, kvsdir.CreateParams{}, kvsdir.RuntimeParams{})
	kvs := handle.(*boltKVS)

	muts := []txn.Mutation{
		{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("a"), Value: []byte("1")},
		{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("b"), Value: []byte("2")},
		{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("c"), Value: []byte("3")},
	}
	if err := e.Publish(seqno.Seqno(1), muts); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	snap, err := kvs.Pin(10)
	if err != nil {
		t.Fatalf("Pin() error: %v", err)
	}
	defer snap.Release()
	it, err := snap.Iterator(nil, true)
	if err != nil {
		t.Fatalf("Iterator() error: %v", err)
	}
	defer it.Close()

	var got []string
	for it.Seek(nil); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"c", "b", "a"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("reverse scan = %v, want %v", got, want)
		}
	}
}

func TestCompactDropsStaleVersions(t *testing.T) {
	e := newTestEngine(t)
	_, _ = e.CreateKVS("kvs1", kvsdir.CreateParams{})
	for i := 0; i < 5; i++ {
		_ = e.Publish(seqno.Seqno(i+1), []txn.Mutation{{Kind: txn.OpPut, KVS: "kvs1", Key: []byte("k"), Value: []byte("v")}})
	}

	if err := e.Compact(true); err != nil {
		t.Fatalf("Compact() error: %v", err)
	}
	if status := e.CompactStatus(); status.Active {
		t.Fatalf("CompactStatus() after synchronous Compact should be inactive, got %+v", status)
	}

	count := 0
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("kvs1"))
		return b.ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 remaining version after compaction, got %d", count)
	}
}

func TestDropKVSRemovesCatalogEntry(t *testing.T) {
	e := newTestEngine(t)
	cnid, _ := e.CreateKVS("kvs1", kvsdir.CreateParams{})
	if err := e.DropKVS(cnid); err != nil {
		t.Fatalf("DropKVS() error: %v", err)
	}
	if _, err := e.CreateKVS("kvs1", kvsdir.CreateParams{}); err != nil {
		t.Fatalf("recreate after drop should succeed, got error: %v", err)
	}
}

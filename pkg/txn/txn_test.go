package txn

import (
	"testing"
	"time"

	"github.com/victorstewart/kvdb/pkg/events"
	"github.com/victorstewart/kvdb/pkg/seqno"
)

type recordingPublisher struct {
	calls [][]Mutation
	seqs  []seqno.Seqno
	err   error
}

func (p *recordingPublisher) Publish(view seqno.Seqno, muts []Mutation) error {
	if p.err != nil {
		return p.err
	}
	p.seqs = append(p.seqs, view)
	p.calls = append(p.calls, muts)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *recordingPublisher) {
	t.Helper()
	clock := seqno.New()
	pub := &recordingPublisher{}
	locker := NewMemLocker()
	r := NewRegistry(clock, pub, locker, Config{Timeout: time.Hour})
	return r, pub
}

func TestBeginCommitLifecycle(t *testing.T) {
	r, pub := newTestRegistry(t)

	tx := r.Alloc()
	if tx.State() != StateInvalid {
		t.Fatalf("fresh alloc state = %s, want INVALID", tx.State())
	}

	if err := tx.Begin(); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if tx.State() != StateActive {
		t.Fatalf("state after Begin = %s, want ACTIVE", tx.State())
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", r.ActiveCount())
	}

	if err := tx.AddMutation(Mutation{Kind: OpPut, KVS: "k1", Key: []byte("x"), Value: []byte("v1")}); err != nil {
		t.Fatalf("AddMutation() error: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("state after Commit = %s, want COMMITTED", tx.State())
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() after commit = %d, want 0", r.ActiveCount())
	}
	if len(pub.calls) != 1 || len(pub.calls[0]) != 1 {
		t.Fatalf("expected exactly one publish call with one mutation, got %+v", pub.calls)
	}
}

func TestDoubleCommitIsError(t *testing.T) {
	r, _ := newTestRegistry(t)
	tx := r.Alloc()
	_ = tx.Begin()
	if err := tx.Commit(); err != nil {
		t.Fatalf("first Commit() error: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("expected error on double commit")
	}
}

func TestDoubleAbortIsError(t *testing.T) {
	r, _ := newTestRegistry(t)
	tx := r.Alloc()
	_ = tx.Begin()
	if err := tx.Abort(); err != nil {
		t.Fatalf("first Abort() error: %v", err)
	}
	if err := tx.Abort(); err == nil {
		t.Fatal("expected error on double abort")
	}
}

func TestMutationRejectedWhenNotActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	tx := r.Alloc()
	if err := tx.AddMutation(Mutation{Kind: OpPut}); err == nil {
		t.Fatal("expected error adding mutation to non-ACTIVE txn")
	}
}

func TestPoolReuseAvoidsReallocation(t *testing.T) {
	r, _ := newTestRegistry(t)

	tx := r.Alloc()
	_ = tx.Begin()
	_ = tx.Abort()
	r.Free(tx)

	allocatedAfterFirst := r.pool.Allocated()

	for i := 0; i < 100; i++ {
		tx := r.Alloc()
		_ = tx.Begin()
		_ = tx.Commit()
		r.Free(tx)
	}

	if got := r.pool.Allocated(); got > allocatedAfterFirst+1 {
		t.Fatalf("expected pool reuse to bound allocations, got %d new allocations after warmup", got-allocatedAfterFirst)
	}
}

func TestFreeAbortsActiveTransaction(t *testing.T) {
	r, _ := newTestRegistry(t)
	tx := r.Alloc()
	_ = tx.Begin()
	r.Free(tx)
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() after Free on active txn = %d, want 0", r.ActiveCount())
	}
}

func TestExpiredTransactionIsAbortedLazily(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.timeout = time.Millisecond
	tx := r.Alloc()
	_ = tx.Begin()
	time.Sleep(5 * time.Millisecond)

	if err := tx.AddMutation(Mutation{Kind: OpPut}); err == nil {
		t.Fatal("expected error adding mutation to expired txn")
	}
	if tx.State() != StateAborted {
		t.Fatalf("state after expiry = %s, want ABORTED", tx.State())
	}
}

func TestCommitFailurePublishReturnsToActive(t *testing.T) {
	r, pub := newTestRegistry(t)
	pub.err = errBoom

	tx := r.Alloc()
	_ = tx.Begin()
	if err := tx.Commit(); err == nil {
		t.Fatal("expected commit error when publish fails")
	}
	if tx.State() != StateActive {
		t.Fatalf("state after failed commit = %s, want ACTIVE (retryable)", tx.State())
	}
}

func TestCommitRaisesIngestNoticePerKVS(t *testing.T) {
	r, _ := newTestRegistry(t)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	r.SetNotifier(broker)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tx := r.Alloc()
	_ = tx.Begin()
	_ = tx.AddMutation(Mutation{Kind: OpPut, KVS: "k1", Key: []byte("x"), Value: []byte("v1")})
	_ = tx.AddMutation(Mutation{Kind: OpPut, KVS: "k1", Key: []byte("y"), Value: []byte("v2")})
	_ = tx.AddMutation(Mutation{Kind: OpPut, KVS: "k2", Key: []byte("x"), Value: []byte("v3")})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case n := <-sub:
			seen[n.KVS] = true
		case <-deadline:
			t.Fatalf("timed out waiting for ingest notices, got %v", seen)
		}
	}
	if !seen["k1"] || !seen["k2"] {
		t.Fatalf("expected one notice per distinct kvs, got %v", seen)
	}
}

var errBoom = &testError{"boom"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

package maintain

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/victorstewart/kvdb/pkg/cursor"
	"github.com/victorstewart/kvdb/pkg/kvsdir"
	"github.com/victorstewart/kvdb/pkg/seqno"
	"github.com/victorstewart/kvdb/pkg/throttle"
	"github.com/victorstewart/kvdb/pkg/txn"
)

type countingHandle struct {
	calls atomic.Int64
}

func (h *countingHandle) Close() error { return nil }
func (h *countingHandle) Maintain(now time.Time, horizon uint64) error {
	h.calls.Add(1)
	return nil
}

type fakeOpener struct{ handle *countingHandle }

func (o fakeOpener) Open(name string, cnid uint64, cparams kvsdir.CreateParams, rparams kvsdir.RuntimeParams) (kvsdir.KVSHandle, error) {
	return o.handle, nil
}

type fakeMetadata struct{}

func (fakeMetadata) CreateKVS(name string, params kvsdir.CreateParams) (uint64, error) { return 1, nil }
func (fakeMetadata) DropKVS(cnid uint64) error                                         { return nil }

type fakePublisher struct{}

func (fakePublisher) Publish(view seqno.Seqno, muts []txn.Mutation) error { return nil }

func TestLoopsCallMaintainOnOpenedKVS(t *testing.T) {
	handle := &countingHandle{}
	dir := kvsdir.New(fakeOpener{handle: handle}, fakeMetadata{})
	if err := dir.Create("kvs1", kvsdir.CreateParams{}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := dir.Open("kvs1", kvsdir.RuntimeParams{}); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	clock := seqno.New()
	registry := txn.NewRegistry(clock, fakePublisher{}, txn.NewMemLocker(), txn.DefaultConfig())
	cursors := cursor.NewEngine(clock, registry, 10)
	th := throttle.New(throttle.DefaultConfig())

	loops := New(th, dir, cursors, nil)
	loops.Start()
	defer loops.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handle.calls.Load() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected at least one Maintain() call within the deadline")
}

type countingSweeper struct {
	calls atomic.Int64
}

func (s *countingSweeper) SweepExpiredTxns() int {
	s.calls.Add(1)
	return 0
}

func (s *countingSweeper) Horizon() seqno.Seqno { return seqno.Max }

func TestLoopsCallTxnSweeperOnEachTick(t *testing.T) {
	dir := kvsdir.New(fakeOpener{handle: &countingHandle{}}, fakeMetadata{})
	clock := seqno.New()
	registry := txn.NewRegistry(clock, fakePublisher{}, txn.NewMemLocker(), txn.DefaultConfig())
	cursors := cursor.NewEngine(clock, registry, 10)
	th := throttle.New(throttle.DefaultConfig())
	sweeper := &countingSweeper{}

	loops := New(th, dir, cursors, sweeper)
	loops.Start()
	defer loops.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sweeper.calls.Load() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected at least one SweepExpiredTxns() call within the deadline")
}

func TestStopJoinsBothLoopsPromptly(t *testing.T) {
	dir := kvsdir.New(fakeOpener{handle: &countingHandle{}}, fakeMetadata{})
	clock := seqno.New()
	registry := txn.NewRegistry(clock, fakePublisher{}, txn.NewMemLocker(), txn.DefaultConfig())
	cursors := cursor.NewEngine(clock, registry, 10)
	th := throttle.New(throttle.DefaultConfig())

	loops := New(th, dir, cursors, nil)
	loops.Start()

	done := make(chan struct{})
	go func() {
		loops.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return promptly")
	}
}

package txn

import (
	"sync"
	"time"

	"github.com/victorstewart/kvdb/pkg/kvdberr"
)

// MemLocker is a reference Locker: an in-memory per-(kvs,key) mutex table.
// Real per-KVS key-locking is an external collaborator per spec §1; this
// implementation exists so the control plane is exercisable end to end
// without a production lock manager.
type MemLocker struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]struct{}
}

// NewMemLocker returns an empty MemLocker.
func NewMemLocker() *MemLocker {
	l := &MemLocker{held: make(map[string]struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func lockKey(kvs string, key []byte) string {
	return kvs + "\x00" + string(key)
}

// Acquire blocks until the (kvs, key) pair is free or timeout elapses.
func (l *MemLocker) Acquire(kvs string, key []byte, timeout time.Duration) error {
	k := lockKey(kvs, key)
	deadline := time.Now().Add(timeout)

	// Wake every waiter once the deadline passes so each can re-check its
	// own deadline rather than sleeping forever on a held lock.
	timer := time.AfterFunc(timeout, l.cond.Broadcast)
	defer timer.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if _, busy := l.held[k]; !busy {
			l.held[k] = struct{}{}
			return nil
		}
		if !time.Now().Before(deadline) {
			return kvdberr.New(kvdberr.CodeBusy, kvdberr.KindState, "timed out acquiring key lock")
		}
		l.cond.Wait()
	}
}

// Release unlocks the (kvs, key) pair and wakes any waiters.
func (l *MemLocker) Release(kvs string, key []byte) {
	k := lockKey(kvs, key)
	l.mu.Lock()
	delete(l.held, k)
	l.mu.Unlock()
	l.cond.Broadcast()
}

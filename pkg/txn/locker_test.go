package txn

import (
	"testing"
	"time"
)

func TestMemLockerExcludesConcurrentHolders(t *testing.T) {
	l := NewMemLocker()
	if err := l.Acquire("kvs1", []byte("k"), time.Second); err != nil {
		t.Fatalf("first Acquire() error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire("kvs1", []byte("k"), 50*time.Millisecond)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected second Acquire() to time out while first holder is active")
		}
	case <-time.After(time.Second):
		t.Fatal("second Acquire() did not return within the safety timeout")
	}

	l.Release("kvs1", []byte("k"))
}

func TestMemLockerReleaseUnblocksWaiter(t *testing.T) {
	l := NewMemLocker()
	if err := l.Acquire("kvs1", []byte("k"), time.Second); err != nil {
		t.Fatalf("first Acquire() error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire("kvs1", []byte("k"), 2*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	l.Release("kvs1", []byte("k"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected waiter to acquire after release, got error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire after release")
	}
}

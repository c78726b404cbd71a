package viewset

import (
	"testing"

	"github.com/victorstewart/kvdb/pkg/seqno"
)

func TestEmptyHorizonIsMax(t *testing.T) {
	vs := New()
	if h := vs.Horizon(); h != seqno.Max {
		t.Fatalf("Horizon() on empty set = %d, want seqno.Max", h)
	}
}

func TestInsertTracksHorizon(t *testing.T) {
	vs := New()
	clock := seqno.Seqno(10)

	_, c1 := vs.Insert(func() seqno.Seqno { return clock })
	if h := vs.Horizon(); h != 10 {
		t.Fatalf("Horizon() = %d, want 10", h)
	}

	clock = 20
	_, c2 := vs.Insert(func() seqno.Seqno { return clock })
	if h := vs.Horizon(); h != 10 {
		t.Fatalf("Horizon() = %d, want 10 (oldest view still live)", h)
	}

	vs.Remove(c1)
	if h := vs.Horizon(); h != 20 {
		t.Fatalf("Horizon() after removing oldest view = %d, want 20", h)
	}

	vs.Remove(c2)
	if h := vs.Horizon(); h != seqno.Max {
		t.Fatalf("Horizon() after removing all views = %d, want seqno.Max", h)
	}
}

func TestRemoveUnknownCookieIsNoop(t *testing.T) {
	vs := New()
	vs.Remove(Cookie{})
	if h := vs.Horizon(); h != seqno.Max {
		t.Fatalf("Horizon() = %d, want seqno.Max", h)
	}
}

func TestHorizonNeverExceedsAnyLiveView(t *testing.T) {
	vs := New()
	views := []seqno.Seqno{5, 3, 9, 1, 7}
	var cookies []Cookie
	for _, v := range views {
		v := v
		_, c := vs.Insert(func() seqno.Seqno { return v })
		cookies = append(cookies, c)
	}

	h := vs.Horizon()
	for _, v := range views {
		if h > v {
			t.Fatalf("horizon %d exceeds live view %d", h, v)
		}
	}

	for _, c := range cookies {
		vs.Remove(c)
	}
	if vs.Len() != 0 {
		t.Fatalf("Len() after removing all = %d, want 0", vs.Len())
	}
}

func TestInsertAtInheritsGivenView(t *testing.T) {
	vs := New()
	c := vs.InsertAt(42)
	if h := vs.Horizon(); h != 42 {
		t.Fatalf("Horizon() = %d, want 42", h)
	}
	vs.Remove(c)
}

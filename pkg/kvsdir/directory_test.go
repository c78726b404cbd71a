package kvsdir

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/victorstewart/kvdb/pkg/kvdberr"
)

type fakeHandle struct {
	closed   atomic.Bool
	maintain atomic.Int64
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (h *fakeHandle) Maintain(now time.Time, horizon uint64) error {
	h.maintain.Add(1)
	return nil
}

type fakeCollaborator struct {
	nextCnid atomic.Uint64
	opened   map[string]*fakeHandle
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{opened: make(map[string]*fakeHandle)}
}

func (f *fakeCollaborator) CreateKVS(name string, params CreateParams) (uint64, error) {
	return f.nextCnid.Add(1), nil
}

func (f *fakeCollaborator) DropKVS(cnid uint64) error { return nil }

func (f *fakeCollaborator) Open(name string, cnid uint64, cparams CreateParams, rparams RuntimeParams) (KVSHandle, error) {
	h := &fakeHandle{}
	f.opened[name] = h
	return h, nil
}

func TestValidateNameAcceptsCharsetWithinBound(t *testing.T) {
	if err := ValidateName("valid-name_1"); err != nil {
		t.Fatalf("ValidateName() error: %v", err)
	}
}

func TestValidateNameRejectsEmpty(t *testing.T) {
	if err := ValidateName(""); !kvdberr.Is(err, kvdberr.CodeInvalidArg) {
		t.Fatalf("ValidateName(\"\") = %v, want INVALID_ARG", err)
	}
}

func TestValidateNameRejectsLength32(t *testing.T) {
	name := make([]byte, 32)
	for i := range name {
		name[i] = 'a'
	}
	if err := ValidateName(string(name)); !kvdberr.Is(err, kvdberr.CodeNameTooLong) {
		t.Fatalf("ValidateName(32 bytes) = %v, want NAME_TOO_LONG", err)
	}
}

func TestValidateNameRejectsBadCharset(t *testing.T) {
	if err := ValidateName("bad name!"); !kvdberr.Is(err, kvdberr.CodeInvalidArg) {
		t.Fatalf("ValidateName(\"bad name!\") = %v, want INVALID_ARG", err)
	}
}

func TestCreateOpenCloseDropLifecycle(t *testing.T) {
	collab := newFakeCollaborator()
	d := New(collab, collab)

	if err := d.Create("kvs1", CreateParams{}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := d.Create("kvs1", CreateParams{}); !kvdberr.Is(err, kvdberr.CodeAlreadyExists) {
		t.Fatalf("second Create() = %v, want ALREADY_EXISTS", err)
	}

	slot, err := d.Open("kvs1", RuntimeParams{})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if slot.Refcount() != 1 {
		t.Fatalf("Refcount() after Open = %d, want 1", slot.Refcount())
	}

	if _, err := d.Open("kvs1", RuntimeParams{}); !kvdberr.Is(err, kvdberr.CodeBusy) {
		t.Fatalf("second Open() = %v, want BUSY", err)
	}

	if err := d.Drop("kvs1"); !kvdberr.Is(err, kvdberr.CodeBusy) {
		t.Fatalf("Drop() while open = %v, want BUSY", err)
	}

	if err := d.Close("kvs1"); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !collab.opened["kvs1"].closed.Load() {
		t.Fatal("expected handle.Close() to have been called")
	}

	if err := d.Drop("kvs1"); err != nil {
		t.Fatalf("Drop() after close error: %v", err)
	}
	if _, ok := d.Lookup("kvs1"); ok {
		t.Fatal("expected kvs1 to be gone after Drop()")
	}
}

func TestDropUnknownIsNotFound(t *testing.T) {
	collab := newFakeCollaborator()
	d := New(collab, collab)
	if err := d.Drop("nope"); !kvdberr.Is(err, kvdberr.CodeNotFound) {
		t.Fatalf("Drop(unknown) = %v, want NOT_FOUND", err)
	}
}

func TestCloseUnopenedIsBadFD(t *testing.T) {
	collab := newFakeCollaborator()
	d := New(collab, collab)
	_ = d.Create("kvs1", CreateParams{})
	if err := d.Close("kvs1"); !kvdberr.Is(err, kvdberr.CodeBadFD) {
		t.Fatalf("Close(unopened) = %v, want BAD_FD", err)
	}
}

func TestListReflectsCreatedNames(t *testing.T) {
	collab := newFakeCollaborator()
	d := New(collab, collab)
	_ = d.Create("a", CreateParams{})
	_ = d.Create("b", CreateParams{})

	names := d.List()
	if len(names) != 2 {
		t.Fatalf("List() = %v, want 2 names", names)
	}
	if d.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", d.Count())
	}
}

func TestCreateFailsWhenTableFull(t *testing.T) {
	collab := newFakeCollaborator()
	d := New(collab, collab)
	for i := 0; i < MaxKVS; i++ {
		name := string(rune('a'+(i%26))) + string(rune('A'+(i/26)%26))
		if err := d.Create(name, CreateParams{}); err != nil {
			t.Fatalf("Create(%d) unexpected error: %v", i, err)
		}
	}
	if err := d.Create("overflow", CreateParams{}); err == nil {
		t.Fatal("expected error creating beyond MaxKVS slots")
	}
}

func TestForEachOpenVisitsOnlyOpenedSlots(t *testing.T) {
	collab := newFakeCollaborator()
	d := New(collab, collab)
	_ = d.Create("opened", CreateParams{})
	_ = d.Create("closed", CreateParams{})
	if _, err := d.Open("opened", RuntimeParams{}); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	var visited []string
	d.ForEachOpen(func(s *Slot) { visited = append(visited, s.Name) })
	if len(visited) != 1 || visited[0] != "opened" {
		t.Fatalf("ForEachOpen visited %v, want only [opened]", visited)
	}
}

func TestCompressionDescriptorDerivedOnOpen(t *testing.T) {
	collab := newFakeCollaborator()
	d := New(collab, collab)
	_ = d.Create("kvs1", CreateParams{})

	slot, err := d.Open("kvs1", RuntimeParams{CompressionOn: true, CompressionMin: 64})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !slot.Compression.Enabled || slot.Compression.VCompMin != 64 || slot.Compression.OutputBound <= 0 {
		t.Fatalf("Compression = %+v, want enabled with positive bound", slot.Compression)
	}
}

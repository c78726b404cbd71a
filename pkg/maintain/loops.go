// Package maintain runs the two cooperative background loops the KVDB
// facade keeps alive for the life of an open database: the throttle-update
// loop and the KVS-maintenance loop (spec §4.G). Both are signalled by a
// single stop channel and use a drift-tolerant ticking scheme instead of a
// plain time.Ticker, following the teacher's reconciler loop shape
// (pkg/reconciler.Reconciler.run) generalized to two workers and a
// compensated-sleep cadence.
package maintain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/victorstewart/kvdb/pkg/cursor"
	"github.com/victorstewart/kvdb/pkg/kvsdir"
	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/victorstewart/kvdb/pkg/metrics"
	"github.com/victorstewart/kvdb/pkg/seqno"
	"github.com/victorstewart/kvdb/pkg/throttle"
	"github.com/rs/zerolog"
)

const (
	throttleUpdateInterval = 10 * time.Millisecond

	// kvsMaintStart/kvsMaintSteady bracket the ramp the KVS-maintenance
	// loop climbs from at startup, so short-lived programs (tests, CLI
	// one-shots) aren't held up waiting a full 100ms before their first
	// maintenance tick.
	kvsMaintStart   = 10 * time.Millisecond
	kvsMaintSteady  = 100 * time.Millisecond
	kvsMaintRampStep = 3 * time.Millisecond

	cursorWarnInterval = 15 * time.Second
)

// TxnSweeper lets Loops drive a caller's transaction-expiry sweep and read
// its transaction-view horizon from the KVS-maintenance tick without
// importing pkg/kvdb, which imports this package, so that import would
// form a cycle. kvdb.DB implements this.
type TxnSweeper interface {
	SweepExpiredTxns() int
	Horizon() seqno.Seqno
}

// Loops owns the throttle-update and KVS-maintenance goroutines for one
// open database.
type Loops struct {
	throttle *throttle.Throttle
	dir      *kvsdir.Directory
	cursors  *cursor.Engine
	sweeper  TxnSweeper

	stopCh chan struct{}
	wg     sync.WaitGroup

	lastCursorWarn atomic.Int64
	logger         zerolog.Logger
}

// New constructs a Loops bound to its collaborators; call Start to run it.
// sweeper may be nil, in which case the KVS-maintenance tick skips the
// transaction-expiry sweep.
func New(th *throttle.Throttle, dir *kvsdir.Directory, cursors *cursor.Engine, sweeper TxnSweeper) *Loops {
	return &Loops{
		throttle: th,
		dir:      dir,
		cursors:  cursors,
		sweeper:  sweeper,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("maintain"),
	}
}

// Start launches both loops as background goroutines.
func (l *Loops) Start() {
	l.wg.Add(2)
	go l.runThrottleLoop()
	go l.runKVSMaintenanceLoop()
}

// Stop signals both loops to exit and waits for them to do so. Mirrors
// kvdb_close's "join both maintenance loops" requirement.
func (l *Loops) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// runThrottleLoop recomputes the throttle's rate from its sensors every
// throttleUpdateInterval, using a compensated sleep so scheduling jitter
// doesn't accumulate drift across ticks.
func (l *Loops) runThrottleLoop() {
	defer l.wg.Done()

	next := time.Now().Add(throttleUpdateInterval)
	for {
		select {
		case <-l.stopCh:
			return
		case <-time.After(time.Until(next)):
			rate := l.throttle.Retune()
			metrics.ThrottleRateBytesPerSec.Set(rate)
			next = next.Add(throttleUpdateInterval)
			if behind := time.Now().Sub(next); behind > 0 {
				// fell behind by more than one interval: resync instead of
				// firing a burst of immediate ticks to catch up
				next = time.Now().Add(throttleUpdateInterval)
			}
		}
	}
}

// runKVSMaintenanceLoop ramps from kvsMaintStart to kvsMaintSteady, then
// on every tick samples the live cursor count, warns at most once per
// cursorWarnInterval if over the configured maximum, and calls every
// opened KVS's Maintain hook under the directory mutex.
func (l *Loops) runKVSMaintenanceLoop() {
	defer l.wg.Done()

	interval := kvsMaintStart
	for {
		select {
		case <-l.stopCh:
			return
		case <-time.After(interval):
			l.tick()
			if interval < kvsMaintSteady {
				interval += kvsMaintRampStep
				if interval > kvsMaintSteady {
					interval = kvsMaintSteady
				}
			}
		}
	}
}

func (l *Loops) tick() {
	now := time.Now()

	live := l.cursors.LiveCount()
	metrics.CursorsLive.Set(float64(live))

	// horizon is the oldest seqno any live cursor or transaction view could
	// still observe; it gates reclamation below. Fall back to the cursor
	// horizon alone when no TxnSweeper collaborator is wired (e.g. tests).
	horizon := l.cursors.Horizon()
	if l.sweeper != nil {
		if h := l.sweeper.Horizon(); h < horizon {
			horizon = h
		}
	}
	metrics.Horizon.Set(float64(horizon))

	if max := l.cursors.MaxCursors(); max > 0 && live > max {
		last := l.lastCursorWarn.Load()
		elapsed := now.UnixNano() - last
		// divide-by-1024 is a cheap, drift-tolerant approximation of the
		// warn-interval comparison that avoids a true division per tick.
		if elapsed>>10 >= int64(cursorWarnInterval)>>10 {
			l.lastCursorWarn.Store(now.UnixNano())
			l.logger.Warn().Int64("live", live).Int64("max", max).Msg("live cursor count exceeds configured maximum")
		}
	}

	l.dir.ForEachOpen(func(slot *kvsdir.Slot) {
		if h := slot.Handle(); h != nil {
			if err := h.Maintain(now, uint64(horizon)); err != nil {
				l.logger.Warn().Str("kvs", slot.Name).Err(err).Msg("kvs maintenance tick failed")
			}
		}
	})

	if l.sweeper != nil {
		if expired := l.sweeper.SweepExpiredTxns(); expired > 0 {
			l.logger.Info().Int("expired", expired).Msg("swept expired transactions")
		}
	}
}

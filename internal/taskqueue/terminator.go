package taskqueue

import (
	"runtime"
	"sync/atomic"
	"time"
)

const (
	terminatorYieldSpins = 64
	terminatorSleep      = 20 * time.Microsecond
)

// Terminator detects global quiescence for a fixed number of workers. A worker
// offers termination only after its own queue is empty and a steal pass came
// up dry. Offering workers never push, so once every worker is offering and
// the work probe still reports nothing, no task can appear again.
type Terminator struct {
	workers int32
	hasWork func() bool

	offered atomic.Int32
	done    atomic.Bool
	offers  atomic.Uint64
}

// NewTerminator takes a probe that reports whether any task may be
// available, including work outside the queues such as pending log buffers.
func NewTerminator(workers int, hasWork func() bool) *Terminator {
	if workers < 1 {
		workers = 1
	}
	return &Terminator{workers: int32(workers), hasWork: hasWork}
}

// OfferTermination blocks until either all workers agree to finish (true),
// abort reports true (true), or new work shows up (false). A worker that gets
// false must go back to its task loop.
func (t *Terminator) OfferTermination(abort func() bool) bool {
	t.offers.Add(1)
	if t.done.Load() {
		return true
	}
	t.offered.Add(1)
	for spins := 0; ; spins++ {
		if t.done.Load() {
			return true
		}
		if abort != nil && abort() {
			t.offered.Add(-1)
			return true
		}
		if t.hasWork() {
			t.offered.Add(-1)
			return false
		}
		if t.offered.Load() == t.workers {
			// Re-check after seeing everyone idle: work may have been
			// published by a peer just before it offered.
			if !t.hasWork() {
				t.done.Store(true)
				return true
			}
		}
		if spins < terminatorYieldSpins {
			runtime.Gosched()
		} else {
			time.Sleep(terminatorSleep)
		}
	}
}

// Terminated reports whether the phase reached global termination.
func (t *Terminator) Terminated() bool {
	return t.done.Load()
}

// Offers returns how many times workers offered termination.
func (t *Terminator) Offers() uint64 {
	return t.offers.Load()
}

// Reset prepares the terminator for another phase. No worker may be offering.
func (t *Terminator) Reset() {
	t.offered.Store(0)
	t.done.Store(false)
	t.offers.Store(0)
}

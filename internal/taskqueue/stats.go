package taskqueue

import "sync/atomic"

type queueStats struct {
	pushes        atomic.Uint64
	pops          atomic.Uint64
	overflows     atomic.Uint64
	overflowPops  atomic.Uint64
	stealAttempts atomic.Uint64
	steals        atomic.Uint64

	_pad [16]byte
}

// Stats is a snapshot of one worker's queue counters.
type Stats struct {
	Pushes        uint64
	Pops          uint64
	Overflows     uint64
	OverflowPops  uint64
	StealAttempts uint64
	Steals        uint64
}

func (s Stats) Add(o Stats) Stats {
	return Stats{
		Pushes:        s.Pushes + o.Pushes,
		Pops:          s.Pops + o.Pops,
		Overflows:     s.Overflows + o.Overflows,
		OverflowPops:  s.OverflowPops + o.OverflowPops,
		StealAttempts: s.StealAttempts + o.StealAttempts,
		Steals:        s.Steals + o.Steals,
	}
}

// Stats returns the counters for one worker.
func (s *QueueSet[T]) Stats(worker int) Stats {
	s.checkInit()
	st := &s.stats[worker]
	return Stats{
		Pushes:        st.pushes.Load(),
		Pops:          st.pops.Load(),
		Overflows:     st.overflows.Load(),
		OverflowPops:  st.overflowPops.Load(),
		StealAttempts: st.stealAttempts.Load(),
		Steals:        st.steals.Load(),
	}
}

// TotalStats sums the counters of all workers.
func (s *QueueSet[T]) TotalStats() Stats {
	var total Stats
	for i := range s.stats {
		total = total.Add(s.Stats(i))
	}
	return total
}

func (s *QueueSet[T]) ResetStats() {
	s.checkInit()
	for i := range s.stats {
		st := &s.stats[i]
		st.pushes.Store(0)
		st.pops.Store(0)
		st.overflows.Store(0)
		st.overflowPops.Store(0)
		st.stealAttempts.Store(0)
		st.steals.Store(0)
	}
}

package taskqueue

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// QueueSet holds one deque per worker plus a shared overflow list. Push never
// fails: when a worker's deque is full the task spills to the overflow list.
type QueueSet[T ~uint64] struct {
	queues []*Deque[T]
	stats  []queueStats

	overflowMu  sync.Mutex
	overflow    []T
	overflowLen atomic.Int64
}

func NewQueueSet[T ~uint64](workers int, capacity uint64) (*QueueSet[T], error) {
	if workers < 1 {
		workers = 1
	}
	s := &QueueSet[T]{
		queues: make([]*Deque[T], workers),
		stats:  make([]queueStats, workers),
	}
	for i := range s.queues {
		q, err := NewDeque[T](capacity)
		if err != nil {
			return nil, err
		}
		s.queues[i] = q
	}
	return s, nil
}

func (s *QueueSet[T]) checkInit() {
	if s == nil || s.queues == nil {
		panic(ErrQueueSetUninitialized)
	}
}

func (s *QueueSet[T]) Workers() int {
	s.checkInit()
	return len(s.queues)
}

// Queue exposes a worker's deque.
func (s *QueueSet[T]) Queue(worker int) *Deque[T] {
	s.checkInit()
	return s.queues[worker]
}

// Push adds a task to the worker's own deque, spilling to overflow when full.
func (s *QueueSet[T]) Push(worker int, v T) {
	s.checkInit()
	st := &s.stats[worker]
	st.pushes.Add(1)
	if s.queues[worker].Push(v) {
		return
	}
	st.overflows.Add(1)
	s.overflowMu.Lock()
	s.overflow = append(s.overflow, v)
	s.overflowLen.Add(1)
	s.overflowMu.Unlock()
}

// TryPopLocal pops from the worker's deque, then from the overflow list.
func (s *QueueSet[T]) TryPopLocal(worker int) (T, bool) {
	s.checkInit()
	if v, ok := s.queues[worker].Pop(); ok {
		s.stats[worker].pops.Add(1)
		return v, true
	}
	if v, ok := s.popOverflow(); ok {
		s.stats[worker].overflowPops.Add(1)
		return v, true
	}
	return 0, false
}

func (s *QueueSet[T]) popOverflow() (T, bool) {
	if s.overflowLen.Load() == 0 {
		return 0, false
	}
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	n := len(s.overflow)
	if n == 0 {
		return 0, false
	}
	v := s.overflow[n-1]
	s.overflow = s.overflow[:n-1]
	s.overflowLen.Add(-1)
	return v, true
}

// TrySteal takes one task from victim's deque on behalf of worker.
func (s *QueueSet[T]) TrySteal(worker, victim int) (T, bool) {
	s.checkInit()
	if worker == victim {
		return 0, false
	}
	s.stats[worker].stealAttempts.Add(1)
	v, ok := s.queues[victim].Steal()
	if ok {
		s.stats[worker].steals.Add(1)
	}
	return v, ok
}

// Steal picks the fuller of two random victims, 2*workers times at most, then
// sweeps the remaining peers once.
func (s *QueueSet[T]) Steal(worker int, rng *rand.Rand) (T, bool) {
	s.checkInit()
	n := len(s.queues)
	if n < 2 {
		return 0, false
	}
	for attempt := 0; attempt < 2*n; attempt++ {
		a := rng.IntN(n)
		b := rng.IntN(n)
		if a == worker {
			a = b
		}
		if b != worker && s.queues[b].Size() > s.queues[a].Size() {
			a = b
		}
		if a == worker {
			continue
		}
		if v, ok := s.TrySteal(worker, a); ok {
			return v, true
		}
	}
	// Random picks can miss a lone non-empty victim; finish with one sweep.
	for i := 1; i < n; i++ {
		victim := (worker + i) % n
		if s.queues[victim].IsEmpty() {
			continue
		}
		if v, ok := s.TrySteal(worker, victim); ok {
			return v, true
		}
	}
	return 0, false
}

// IsEmpty reports whether every deque and the overflow list look empty.
func (s *QueueSet[T]) IsEmpty() bool {
	s.checkInit()
	if s.overflowLen.Load() != 0 {
		return false
	}
	for _, q := range s.queues {
		if !q.IsEmpty() {
			return false
		}
	}
	return true
}

// Size is a racy total across deques and overflow.
func (s *QueueSet[T]) Size() int {
	s.checkInit()
	n := int(s.overflowLen.Load())
	for _, q := range s.queues {
		n += q.Size()
	}
	return n
}

// Clear drains everything, handing each task to fn. Only call when no worker
// is running.
func (s *QueueSet[T]) Clear(fn func(T)) int {
	s.checkInit()
	n := 0
	for _, q := range s.queues {
		for {
			v, ok := q.Pop()
			if !ok {
				break
			}
			if fn != nil {
				fn(v)
			}
			n++
		}
	}
	for {
		v, ok := s.popOverflow()
		if !ok {
			break
		}
		if fn != nil {
			fn(v)
		}
		n++
	}
	return n
}

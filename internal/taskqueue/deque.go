package taskqueue

import "sync/atomic"

// Deque is a bounded work-stealing deque. The owning worker pushes and pops at
// the bottom (LIFO); thieves take from the top (FIFO). Elements are stored as
// atomic words so thieves never observe a torn value.
type Deque[T ~uint64] struct {
	mask uint64

	_pad0  [56]byte
	top    atomic.Int64
	_pad1  [56]byte
	bottom atomic.Int64
	_pad2  [56]byte

	elems []atomic.Uint64
}

func NewDeque[T ~uint64](capacity uint64) (*Deque[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, ErrInvalidCapacity
	}
	return &Deque[T]{
		mask:  capacity - 1,
		elems: make([]atomic.Uint64, capacity),
	}, nil
}

func (d *Deque[T]) Cap() int {
	return len(d.elems)
}

// Size is exact only for the owner when no steal is in flight.
func (d *Deque[T]) Size() int {
	n := d.bottom.Load() - d.top.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

func (d *Deque[T]) IsEmpty() bool {
	return d.Size() == 0
}

// Push is owner-only. It returns false when the deque is full.
func (d *Deque[T]) Push(v T) bool {
	b := d.bottom.Load()
	t := d.top.Load()
	if b-t >= int64(len(d.elems)) {
		return false
	}
	d.elems[uint64(b)&d.mask].Store(uint64(v))
	d.bottom.Store(b + 1)
	return true
}

// Pop is owner-only and takes the most recently pushed element.
func (d *Deque[T]) Pop() (T, bool) {
	b := d.bottom.Load() - 1
	d.bottom.Store(b)
	t := d.top.Load()
	if t > b {
		d.bottom.Store(b + 1)
		return 0, false
	}
	v := T(d.elems[uint64(b)&d.mask].Load())
	if t < b {
		return v, true
	}
	// Last element: race any thief for it.
	won := d.top.CompareAndSwap(t, t+1)
	d.bottom.Store(b + 1)
	if !won {
		return 0, false
	}
	return v, true
}

// Steal takes the oldest element. A false return means empty or lost race;
// callers move on to another victim rather than spinning here.
func (d *Deque[T]) Steal() (T, bool) {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return 0, false
	}
	v := T(d.elems[uint64(t)&d.mask].Load())
	if !d.top.CompareAndSwap(t, t+1) {
		return 0, false
	}
	return v, true
}

package async

import (
	"errors"
	"runtime"
	"sync/atomic"
)

var (
	ErrInvalidCapacity = errors.New("ring buffer capacity must be a power of two and >= 2")
)

type slot[T any] struct {
	sequence atomic.Uint64
	value    T
}

// RingBuffer는 lock-free MPMC bounded queue이다.
// 알고리즘은 sequence 기반 CAS 패턴(Vyukov 스타일)을 따른다.
// SATB completed buffer처럼 여러 producer가 배치를 publish하고
// 여러 drainer가 동시에 가져가는 경로에 쓴다.
type RingBuffer[T any] struct {
	capacity uint64
	mask     uint64

	_pad0 [48]byte
	head  atomic.Uint64
	_pad1 [56]byte
	tail  atomic.Uint64
	_pad2 [56]byte

	slots []slot[T]
}

func NewRingBuffer[T any](capacity uint64) (*RingBuffer[T], error) {
	if capacity < 2 || (capacity&(capacity-1)) != 0 {
		return nil, ErrInvalidCapacity
	}
	q := &RingBuffer[T]{
		capacity: capacity,
		mask:     capacity - 1,
		slots:    make([]slot[T], capacity),
	}
	for i := range q.slots {
		q.slots[i].sequence.Store(uint64(i))
	}
	return q, nil
}

func (q *RingBuffer[T]) Cap() uint64 {
	return q.capacity
}

// Len is a racy estimate; it is exact only when no producer or consumer is active.
func (q *RingBuffer[T]) Len() uint64 {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail <= head {
		return 0
	}
	return tail - head
}

// Enqueue returns false when the buffer is full.
func (q *RingBuffer[T]) Enqueue(value T) bool {
	for {
		pos := q.tail.Load()
		s := &q.slots[pos&q.mask]
		switch delta := int64(s.sequence.Load()) - int64(pos); {
		case delta == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.value = value
				s.sequence.Store(pos + 1)
				return true
			}
		case delta < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// Dequeue returns false when the buffer is empty.
func (q *RingBuffer[T]) Dequeue() (T, bool) {
	var zero T
	for {
		pos := q.head.Load()
		s := &q.slots[pos&q.mask]
		switch delta := int64(s.sequence.Load()) - int64(pos+1); {
		case delta == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				value := s.value
				s.value = zero
				s.sequence.Store(pos + q.capacity)
				return value, true
			}
		case delta < 0:
			return zero, false
		default:
			runtime.Gosched()
		}
	}
}

package partialarray

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrStatesExhausted = errors.New("partial array state handles exhausted")
	ErrBadReferences   = errors.New("partial array state needs >= 1 reference")
)

type stateChunk [StateChunkSize]State

// Allocator hands out States addressed by 32-bit handles so a handle fits in
// a tagged queue word. Released states return to a warm free list.
type Allocator struct {
	chunks []atomic.Pointer[stateChunk]

	mu   sync.Mutex
	free []uint32
	next uint32

	allocated atomic.Uint64
	destroyed atomic.Uint64
}

func NewAllocator() *Allocator {
	a := &Allocator{
		chunks: make([]atomic.Pointer[stateChunk], maxStateChunks),
		next:   1, // 0은 nil handle
	}
	a.chunks[0].Store(&stateChunk{})
	return a
}

// Allocate creates a State with refs references.
func (a *Allocator) Allocate(array uint64, length, chunk int, refs int32) (uint32, error) {
	if refs < 1 {
		return 0, ErrBadReferences
	}
	a.mu.Lock()
	var h uint32
	if n := len(a.free); n > 0 {
		h = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		h = a.next
		ci := int(h >> StateChunkShift)
		if ci >= len(a.chunks) {
			a.mu.Unlock()
			return 0, fmt.Errorf("allocate state %d: %w", h, ErrStatesExhausted)
		}
		if a.chunks[ci].Load() == nil {
			a.chunks[ci].Store(&stateChunk{})
		}
		a.next++
	}
	a.mu.Unlock()

	s := a.Get(h)
	s.array = array
	s.length = length
	s.chunk = chunk
	s.next.Store(0)
	s.refs.Store(refs)
	a.allocated.Add(1)
	return h, nil
}

// Get resolves a handle without locking.
func (a *Allocator) Get(h uint32) *State {
	chunk := a.chunks[h>>StateChunkShift].Load()
	if chunk == nil {
		return nil
	}
	return &chunk[h&StateChunkMask]
}

// Release drops one reference and destroys the state when it was the last.
// It reports whether this call destroyed the state.
func (a *Allocator) Release(h uint32) bool {
	s := a.Get(h)
	switch remaining := s.refs.Add(-1); {
	case remaining > 0:
		return false
	case remaining < 0:
		panic(fmt.Sprintf("partial array state %d over-released", h))
	}
	s.array = 0
	s.length = 0
	a.destroyed.Add(1)

	a.mu.Lock()
	a.free = append(a.free, h)
	a.mu.Unlock()
	return true
}

// Live returns the number of states allocated and not yet destroyed.
func (a *Allocator) Live() uint64 {
	return a.allocated.Load() - a.destroyed.Load()
}

func (a *Allocator) Destroyed() uint64 {
	return a.destroyed.Load()
}

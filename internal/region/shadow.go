package region

import "sync"

// ShadowPool holds free regions reserved as compaction targets. Regions are
// handed out LIFO so recently released regions, which are likely still warm,
// are reused first.
type ShadowPool struct {
	dir *Directory

	// mu guards stack for the _MTSafe variants only.
	mu    sync.Mutex
	stack []ID
}

func NewShadowPool(dir *Directory) *ShadowPool {
	return &ShadowPool{dir: dir}
}

// PopMTSafe returns the most recently pushed region, or Invalid if the pool is
// empty. Callers fall back to regular region allocation on Invalid. A popped
// region is an ordinary old region again.
func (p *ShadowPool) PopMTSafe() ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.stack)
	if n == 0 {
		return Invalid
	}
	id := p.stack[n-1]
	p.stack = p.stack[:n-1]
	p.dir.setShadow(id, false)
	return id
}

func (p *ShadowPool) PushMTSafe(id ID) {
	p.mu.Lock()
	p.Push(id)
	p.mu.Unlock()
}

// Push is the single-threaded variant for setup and teardown when no
// compaction worker is running.
func (p *ShadowPool) Push(id ID) {
	p.dir.setShadow(id, true)
	p.stack = append(p.stack, id)
}

// RemoveAll empties the pool and returns the regions that were in it.
func (p *ShadowPool) RemoveAll() []ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stack
	p.stack = nil
	for _, id := range out {
		p.dir.setShadow(id, false)
	}
	return out
}

func (p *ShadowPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack)
}

// AcquireCompactionTarget prefers a shadow region and falls back to alloc.
func AcquireCompactionTarget(pool *ShadowPool, alloc Allocator) (ID, error) {
	if id := pool.PopMTSafe(); id != Invalid {
		return id, nil
	}
	return alloc.AllocateRegion()
}

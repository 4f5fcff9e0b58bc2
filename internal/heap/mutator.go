package heap

import (
	"fmt"

	"github.com/Pam-La/oldgen_gc/internal/region"
	"github.com/Pam-La/oldgen_gc/internal/satb"
)

// Mutator is an application thread's view of the heap. A Mutator must not be
// shared between goroutines.
type Mutator struct {
	h   *Heap
	log *satb.Queue
}

func (h *Heap) NewMutator() *Mutator {
	return &Mutator{h: h, log: h.satb.NewQueue()}
}

// Close publishes the mutator's pending log entries.
func (m *Mutator) Close() {
	m.h.satb.Unregister(m.log)
}

func (m *Mutator) Allocate(tag region.Tag, n int, array bool) (Ref, error) {
	return m.h.Allocate(tag, n, array)
}

func (m *Mutator) object(ref Ref, i int) (*Object, error) {
	obj := m.h.Lookup(ref)
	if obj == nil {
		return nil, fmt.Errorf("object %#x: %w", uint64(ref), ErrUnknownObject)
	}
	if i < 0 || i >= obj.Len() {
		return nil, fmt.Errorf("object %#x field %d: %w", uint64(ref), i, ErrFieldIndex)
	}
	return obj, nil
}

func (m *Mutator) Load(ref Ref, i int) (Ref, error) {
	obj, err := m.object(ref, i)
	if err != nil {
		return Nil, err
	}
	return obj.Field(i), nil
}

// Store writes v into field i of ref. While old marking is active the value
// being overwritten is logged, whatever it points at; filtering happens later
// on the collector side.
func (m *Mutator) Store(ref Ref, i int, v Ref) error {
	obj, err := m.object(ref, i)
	if err != nil {
		return err
	}
	prev := obj.store(i, v)
	if m.h.satb.IsActive() {
		m.log.Enqueue(uint64(prev))
	}
	return nil
}

// PendingLog returns how many logged values this mutator has not yet published.
func (m *Mutator) PendingLog() int {
	return m.log.Pending()
}

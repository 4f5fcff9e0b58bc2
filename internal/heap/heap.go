// Package heap models a region-based managed heap: objects with reference
// fields laid out in regions, a root set, and mutators whose reference stores
// go through a snapshot-at-the-beginning write barrier.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Pam-La/oldgen_gc/internal/markbitmap"
	"github.com/Pam-La/oldgen_gc/internal/region"
	"github.com/Pam-La/oldgen_gc/internal/satb"
)

var (
	ErrObjectTooLarge = errors.New("object does not fit in a region")
	ErrUnknownObject  = errors.New("unknown object")
	ErrFieldIndex     = errors.New("field index out of range")
)

type objectTable struct {
	mu      sync.RWMutex
	objects map[Ref]*Object
}

// Heap ties the region directory, the mark bitmap and the object tables together.
type Heap struct {
	dir    *region.Directory
	bitmap *markbitmap.Bitmap
	satb   *satb.QueueSet

	tables []objectTable

	allocMu  sync.Mutex
	current  [2]region.ID
	marking  atomic.Bool
	allocLog atomic.Uint64

	rootsMu sync.RWMutex
	roots   map[Ref]int
}

func New(dir *region.Directory, log *satb.QueueSet) *Heap {
	h := &Heap{
		dir:     dir,
		bitmap:  markbitmap.New(dir.Start(0), dir.End()),
		satb:    log,
		tables:  make([]objectTable, dir.Len()),
		current: [2]region.ID{region.Invalid, region.Invalid},
		roots:   make(map[Ref]int),
	}
	for i := range h.tables {
		h.tables[i].objects = make(map[Ref]*Object)
	}
	return h
}

func (h *Heap) Directory() *region.Directory {
	return h.dir
}

func (h *Heap) Bitmap() *markbitmap.Bitmap {
	return h.bitmap
}

func (h *Heap) SATB() *satb.QueueSet {
	return h.satb
}

// SetMarking toggles allocate-black. While on, new objects are born marked and
// their size is credited to their region's live words.
func (h *Heap) SetMarking(on bool) {
	h.marking.Store(on)
}

func (h *Heap) IsMarking() bool {
	return h.marking.Load()
}

// RegionOf returns the region containing ref, or region.Invalid.
func (h *Heap) RegionOf(ref Ref) region.ID {
	return h.dir.RegionOf(uint64(ref))
}

// Lookup returns the object at ref, or nil if no object starts there.
func (h *Heap) Lookup(ref Ref) *Object {
	id := h.RegionOf(ref)
	if id == region.Invalid {
		return nil
	}
	t := &h.tables[id]
	t.mu.RLock()
	obj := t.objects[ref]
	t.mu.RUnlock()
	return obj
}

// Allocate creates an object with n reference slots in a region of the given
// generation.
func (h *Heap) Allocate(tag region.Tag, n int, array bool) (Ref, error) {
	words := sizeWords(n)
	if words > h.dir.RegionWords() {
		return Nil, fmt.Errorf("allocate %d words: %w", words, ErrObjectTooLarge)
	}

	h.allocMu.Lock()
	id := h.current[tag]
	off, ok := uint64(0), false
	if id != region.Invalid {
		off, ok = h.dir.BumpAllocate(id, words)
	}
	if !ok {
		var err error
		id, err = h.dir.AllocateRegion()
		if err != nil {
			h.allocMu.Unlock()
			return Nil, fmt.Errorf("allocate %d words: %w", words, err)
		}
		h.dir.SetGeneration(id, tag)
		h.current[tag] = id
		off, _ = h.dir.BumpAllocate(id, words)
	}
	h.allocMu.Unlock()

	ref := Ref(h.dir.Start(id) + off*region.WordSize)
	obj := &Object{ref: ref, array: array, fields: make([]atomic.Uint64, n)}
	if h.marking.Load() && h.bitmap.Mark(uint64(ref)) {
		h.dir.AddLiveWords(id, words)
	}

	t := &h.tables[id]
	t.mu.Lock()
	t.objects[ref] = obj
	t.mu.Unlock()
	h.allocLog.Add(words)
	return ref, nil
}

// AllocatedWords returns the words handed out since creation.
func (h *Heap) AllocatedWords() uint64 {
	return h.allocLog.Load()
}

// AllocateRegion hands out a free region for collector use, such as the
// evacuation reserve.
func (h *Heap) AllocateRegion() (region.ID, error) {
	return h.dir.AllocateRegion()
}

// ObjectCount returns the number of objects currently in a region.
func (h *Heap) ObjectCount(id region.ID) int {
	t := &h.tables[id]
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

// Fill removes dead objects below limit from a region and returns the words
// turned into filler. An object is dead when its mark bit is clear; objects at
// or above limit were allocated after marking started and are left alone.
func (h *Heap) Fill(id region.ID, limit Ref) uint64 {
	t := &h.tables[id]
	var filled uint64
	t.mu.Lock()
	for ref, obj := range t.objects {
		if ref < limit && !h.bitmap.IsMarked(uint64(ref)) {
			filled += obj.SizeWords()
			delete(t.objects, ref)
		}
	}
	t.mu.Unlock()
	return filled
}

// RecycleRegion drops every object in a region, clears its mark bits and
// hands it back to the directory's free list.
func (h *Heap) RecycleRegion(id region.ID) {
	t := &h.tables[id]
	t.mu.Lock()
	clear(t.objects)
	t.mu.Unlock()

	h.allocMu.Lock()
	for i := range h.current {
		if h.current[i] == id {
			h.current[i] = region.Invalid
		}
	}
	h.allocMu.Unlock()

	h.bitmap.ClearRange(h.dir.Start(id), h.dir.Start(id+1))
	h.dir.RecycleRegion(id)
}

// ClearMarks clears the mark bits of one region.
func (h *Heap) ClearMarks(id region.ID) {
	h.bitmap.ClearRange(h.dir.Start(id), h.dir.Start(id+1))
}

func (h *Heap) AddRoot(ref Ref) {
	if ref.IsNil() {
		return
	}
	h.rootsMu.Lock()
	h.roots[ref]++
	h.rootsMu.Unlock()
}

func (h *Heap) RemoveRoot(ref Ref) {
	h.rootsMu.Lock()
	defer h.rootsMu.Unlock()
	if n := h.roots[ref]; n > 1 {
		h.roots[ref] = n - 1
		return
	}
	delete(h.roots, ref)
}

// Roots returns a snapshot of the root set.
func (h *Heap) Roots() []Ref {
	h.rootsMu.RLock()
	defer h.rootsMu.RUnlock()
	out := make([]Ref, 0, len(h.roots))
	for ref := range h.roots {
		out = append(out, ref)
	}
	return out
}

// Reachable walks the graph from roots on the calling goroutine. It is the
// reference answer that parallel marking is checked against.
func (h *Heap) Reachable(roots []Ref) map[Ref]struct{} {
	seen := make(map[Ref]struct{}, len(roots))
	stack := make([]Ref, 0, len(roots))
	for _, r := range roots {
		if _, ok := seen[r]; !ok && !r.IsNil() {
			seen[r] = struct{}{}
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		obj := h.Lookup(ref)
		if obj == nil {
			continue
		}
		for i := 0; i < obj.Len(); i++ {
			child := obj.Field(i)
			if child.IsNil() {
				continue
			}
			if _, ok := seen[child]; !ok {
				seen[child] = struct{}{}
				stack = append(stack, child)
			}
		}
	}
	return seen
}

package region

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrNoFreeRegions     = errors.New("no free regions")
	ErrInvalidGeometry   = errors.New("region geometry must have >= 2 regions of >= 64 words")
	ErrRegionNotTrash    = errors.New("region is not trashed")
	ErrRegionNotOccupied = errors.New("region is not occupied")
)

type ID uint64

// Tag is the generation a region currently belongs to.
type Tag uint32

const (
	TagYoung Tag = iota
	TagOld
)

func (t Tag) String() string {
	switch t {
	case TagYoung:
		return "young"
	case TagOld:
		return "old"
	default:
		return fmt.Sprintf("tag(%d)", uint32(t))
	}
}

type Status uint32

const (
	StatusFree Status = iota
	StatusOccupied
	StatusTrash
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusOccupied:
		return "occupied"
	case StatusTrash:
		return "trash"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Region은 Directory가 단독으로 소유하는 힙 분할 단위다.
type Region struct {
	tag       atomic.Uint32
	status    atomic.Uint32
	shadow    atomic.Bool
	top       atomic.Uint64
	liveWords atomic.Uint64

	_pad [32]byte
}

// Directory is the fixed catalog of heap regions.
//
// Live words are written by marking workers (through their stats caches) only
// while old marking runs; generation tags and trash status are written by the
// coordinator outside marking. The coordinator's state machine keeps the two
// writer groups apart.
type Directory struct {
	regions     []Region
	regionWords uint64
	regionBytes uint64
	base        uint64

	freeMu sync.Mutex
	free   []ID
}

func NewDirectory(count int, regionWords uint64) (*Directory, error) {
	if count < minRegionCount || regionWords < minRegionWords {
		return nil, ErrInvalidGeometry
	}
	d := &Directory{
		regions:     make([]Region, count),
		regionWords: regionWords,
		regionBytes: regionWords * WordSize,
		free:        make([]ID, 0, count),
	}
	// Region 0 starts one region past address zero so a zero Ref is never a heap address.
	d.base = d.regionBytes
	for i := count - 1; i >= 0; i-- {
		d.free = append(d.free, ID(i))
	}
	return d, nil
}

func (d *Directory) Len() int {
	return len(d.regions)
}

func (d *Directory) RegionWords() uint64 {
	return d.regionWords
}

// Start returns the first byte address of region id.
func (d *Directory) Start(id ID) uint64 {
	return d.base + uint64(id)*d.regionBytes
}

// End returns the exclusive end address of the heap.
func (d *Directory) End() uint64 {
	return d.base + uint64(len(d.regions))*d.regionBytes
}

// RegionOf maps a heap address to its containing region, or Invalid.
func (d *Directory) RegionOf(addr uint64) ID {
	if addr < d.base || addr >= d.End() {
		return Invalid
	}
	return ID((addr - d.base) / d.regionBytes)
}

func (d *Directory) region(id ID) *Region {
	return &d.regions[id]
}

func (d *Directory) Generation(id ID) Tag {
	return Tag(d.region(id).tag.Load())
}

// SetGeneration retags a region. Coordinator-only, outside marking.
func (d *Directory) SetGeneration(id ID, tag Tag) {
	d.region(id).tag.Store(uint32(tag))
}

func (d *Directory) Status(id ID) Status {
	return Status(d.region(id).status.Load())
}

func (d *Directory) LiveWords(id ID) uint64 {
	return d.region(id).liveWords.Load()
}

func (d *Directory) AddLiveWords(id ID, words uint64) {
	d.region(id).liveWords.Add(words)
}

func (d *Directory) ResetLiveWords(id ID) {
	d.region(id).liveWords.Store(0)
}

// Used returns the words bump-allocated so far in the region.
func (d *Directory) Used(id ID) uint64 {
	return d.region(id).top.Load()
}

// BumpAllocate reserves words at the top of an occupied region and returns the
// word offset of the reservation.
func (d *Directory) BumpAllocate(id ID, words uint64) (uint64, bool) {
	r := d.region(id)
	if Status(r.status.Load()) != StatusOccupied {
		return 0, false
	}
	for {
		top := r.top.Load()
		if top+words > d.regionWords {
			return 0, false
		}
		if r.top.CompareAndSwap(top, top+words) {
			return top, true
		}
	}
}

// MarkTrashed moves an occupied region to Trash. Free and already trashed
// regions are rejected so a region can never reach the free list twice.
func (d *Directory) MarkTrashed(id ID) error {
	if !d.region(id).status.CompareAndSwap(uint32(StatusOccupied), uint32(StatusTrash)) {
		return fmt.Errorf("trash region %d (%s): %w", id, d.Status(id), ErrRegionNotOccupied)
	}
	return nil
}

func (d *Directory) IsTrashed(id ID) bool {
	return d.Status(id) == StatusTrash
}

func (d *Directory) IsShadow(id ID) bool {
	return d.region(id).shadow.Load()
}

func (d *Directory) setShadow(id ID, v bool) {
	d.region(id).shadow.Store(v)
}

// AllocateRegion takes a free region and makes it an occupied young region.
func (d *Directory) AllocateRegion() (ID, error) {
	d.freeMu.Lock()
	defer d.freeMu.Unlock()

	n := len(d.free)
	if n == 0 {
		return Invalid, ErrNoFreeRegions
	}
	id := d.free[n-1]
	d.free = d.free[:n-1]

	r := d.region(id)
	r.top.Store(0)
	r.liveWords.Store(0)
	r.tag.Store(uint32(TagYoung))
	r.status.Store(uint32(StatusOccupied))
	return id, nil
}

// RecycleRegion returns a region to the free list. Trashed and occupied
// regions are both accepted; free regions are ignored.
func (d *Directory) RecycleRegion(id ID) {
	r := d.region(id)
	if Status(r.status.Load()) == StatusFree {
		return
	}
	r.top.Store(0)
	r.liveWords.Store(0)
	r.shadow.Store(false)
	r.tag.Store(uint32(TagYoung))
	r.status.Store(uint32(StatusFree))

	d.freeMu.Lock()
	d.free = append(d.free, id)
	d.freeMu.Unlock()
}

func (d *Directory) FreeCount() int {
	d.freeMu.Lock()
	defer d.freeMu.Unlock()
	return len(d.free)
}

package marking

import (
	"context"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/Pam-La/oldgen_gc/internal/heap"
	"github.com/Pam-La/oldgen_gc/internal/region"
	"github.com/Pam-La/oldgen_gc/internal/taskqueue"
	"github.com/Pam-La/oldgen_gc/internal/telemetry"
)

// ArrayStats counts partial array traffic for one worker.
type ArrayStats struct {
	ChunkPushes     uint64
	ChunkSteals     uint64
	ArraysChunked   uint64
	ChunksProcessed uint64
}

func (s ArrayStats) add(o ArrayStats) ArrayStats {
	return ArrayStats{
		ChunkPushes:     s.ChunkPushes + o.ChunkPushes,
		ChunkSteals:     s.ChunkSteals + o.ChunkSteals,
		ArraysChunked:   s.ArraysChunked + o.ArraysChunked,
		ChunksProcessed: s.ChunksProcessed + o.ChunksProcessed,
	}
}

type phaseCounters struct {
	objectsMarked uint64
	wordsMarked   uint64
	satbEntries   uint64
}

// Manager is one marking worker's state. Everything except the queues it
// shares through the Context is owned by that worker alone.
type Manager struct {
	c   *Context
	id  int
	rng *rand.Rand

	cache *StatsCache

	nextShadow region.ID

	phase  phaseCounters
	arrays ArrayStats
}

func newManager(c *Context, id int) *Manager {
	return &Manager{
		c:          c,
		id:         id,
		rng:        rand.New(rand.NewPCG(uint64(id)+1, 0x9e3779b97f4a7c15)),
		nextShadow: region.Invalid,
	}
}

func (m *Manager) ID() int {
	return m.id
}

// CreateMarkingStatsCache readies the worker's live-word cache.
func (m *Manager) CreateMarkingStatsCache() {
	if m.cache != nil {
		return
	}
	// size was validated by NewContext
	m.cache, _ = NewStatsCache(m.c.dir, m.c.cfg.StatsCacheEntries)
}

// FlushAndDestroyMarkingStatsCache pushes every pending delta to the region
// directory and drops the cache.
func (m *Manager) FlushAndDestroyMarkingStatsCache() {
	if m.cache == nil {
		return
	}
	before := m.cache.Evictions()
	m.cache.EvictAll()
	telemetry.StatsCacheEvictions.Add(float64(m.cache.Evictions() - before))
	m.cache = nil
}

// StatsCache exposes the live cache, nil outside a marking phase.
func (m *Manager) StatsCache() *StatsCache {
	return m.cache
}

func (m *Manager) arrayStats() ArrayStats {
	return m.arrays
}

func (m *Manager) resetArrayStats() {
	m.arrays = ArrayStats{}
}

// Push queues a task on this worker's deque.
func (m *Manager) Push(t taskqueue.ScannerTask) {
	m.c.marking.Push(m.id, t)
}

// PushRegion queues a region for parallel region iteration.
func (m *Manager) PushRegion(id region.ID) {
	m.c.regions.Push(m.id, id)
}

// MarkAndPush marks ref and, if this call set the bit, queues it for scanning
// and credits its size to its region. Only the winner of the mark race pushes.
func (m *Manager) MarkAndPush(ref heap.Ref) bool {
	if ref.IsNil() {
		return false
	}
	addr := uint64(ref)
	bm := m.c.bitmap
	if !bm.Covers(addr) || bm.IsMarked(addr) {
		return false
	}
	id := m.c.heap.RegionOf(ref)
	if m.c.dir.IsTrashed(id) {
		return false
	}
	obj := m.c.heap.Lookup(ref)
	if obj == nil {
		return false
	}
	if !bm.Mark(addr) {
		return false
	}
	words := obj.SizeWords()
	if m.cache == nil {
		m.CreateMarkingStatsCache()
	}
	m.cache.Push(id, words)
	m.phase.objectsMarked++
	m.phase.wordsMarked += words
	m.Push(taskqueue.ObjectTask(addr))
	return true
}

// FollowContents scans a marked object. Long arrays are split into partial
// array chunks instead of being scanned here.
func (m *Manager) FollowContents(obj *heap.Object) {
	if obj.IsArray() && m.c.stepper.ShouldChunk(obj.Len()) {
		m.PushObjArray(obj)
		return
	}
	m.FollowArray(obj, 0, obj.Len())
}

// FollowArray marks the referents in obj's slots [start, end).
func (m *Manager) FollowArray(obj *heap.Object, start, end int) {
	for i := start; i < end; i++ {
		m.MarkAndPush(obj.Field(i))
	}
}

// PushObjArray creates a partial array state for obj and queues one task per
// reference it starts with.
func (m *Manager) PushObjArray(obj *heap.Object) {
	length := obj.Len()
	tasks := m.c.stepper.InitialTasks(length)
	h, err := m.c.arrays.Allocate(uint64(obj.Ref()), length, m.c.stepper.ChunkSize(), int32(tasks))
	if err != nil {
		// out of handles; scan inline
		m.FollowArray(obj, 0, length)
		return
	}
	m.arrays.ArraysChunked++
	for range tasks {
		m.Push(taskqueue.PartialArrayTask(h))
		m.arrays.ChunkPushes++
	}
}

// ProcessArrayChunk claims one chunk of a partial array state. If chunks
// remain the entry's reference moves to a re-pushed task, so peers can steal
// it while this worker scans; otherwise the reference is released.
func (m *Manager) ProcessArrayChunk(h uint32) {
	s := m.c.arrays.Get(h)
	array := heap.Ref(s.Array())
	start, end, ok := s.Claim()
	if ok && s.HasUnclaimed() {
		m.Push(taskqueue.PartialArrayTask(h))
		m.arrays.ChunkPushes++
	} else {
		m.c.arrays.Release(h)
	}
	if !ok {
		return
	}
	m.arrays.ChunksProcessed++
	if obj := m.c.heap.Lookup(array); obj != nil {
		m.FollowArray(obj, start, end)
	}
}

func (m *Manager) process(t taskqueue.ScannerTask) {
	if t.IsPartialArrayState() {
		m.ProcessArrayChunk(t.PartialArrayState())
		return
	}
	if obj := m.c.heap.Lookup(heap.Ref(t.Object())); obj != nil {
		m.FollowContents(obj)
	}
}

// FollowMarkingStacks drains this worker's deque and the shared overflow
// list. It returns false if abort fired; the check happens between tasks.
func (m *Manager) FollowMarkingStacks(abort func() bool) bool {
	for {
		if abort != nil && abort() {
			return false
		}
		t, ok := m.c.marking.TryPopLocal(m.id)
		if !ok {
			return true
		}
		m.process(t)
	}
}

// Steal takes one task from a peer.
func (m *Manager) Steal() (taskqueue.ScannerTask, bool) {
	t, ok := m.c.marking.Steal(m.id, m.rng)
	if ok && t.IsPartialArrayState() {
		m.arrays.ChunkSteals++
	}
	return t, ok
}

func (m *Manager) drainSATB() int {
	return m.c.log.DrainCompleted(m.c.cfg.SATBBuffersPerDrain, func(addr uint64) {
		m.phase.satbEntries++
		m.MarkAndPush(heap.Ref(addr))
	})
}

func (m *Manager) followStack(abort func() bool) {
	for {
		if !m.FollowMarkingStacks(abort) {
			return
		}
		if t, ok := m.Steal(); ok {
			m.process(t)
			continue
		}
		if m.c.drainSATB.Load() && m.drainSATB() > 0 {
			continue
		}
		if m.c.terminator.OfferTermination(abort) {
			return
		}
	}
}

// NextShadowRegion is this worker's cursor into the shadow region sequence.
func (m *Manager) NextShadowRegion() region.ID {
	return m.nextShadow
}

func (m *Manager) SetNextShadowRegion(id region.ID) {
	m.nextShadow = id
}

// MoveNextShadowRegionBy advances the cursor by the worker stride and returns
// the new value.
func (m *Manager) MoveNextShadowRegionBy(workers int) region.ID {
	m.nextShadow += region.ID(workers)
	return m.nextShadow
}

// CompactionTarget takes a shadow region from the pool, falling back to alloc.
func (m *Manager) CompactionTarget(alloc region.Allocator) (region.ID, error) {
	return region.AcquireCompactionTarget(m.c.shadow, alloc)
}

// ParallelRegionIterate applies fn to every id, spreading regions over the
// workers and letting idle workers steal. Regions not visited because ctx was
// cancelled are dropped from the region stacks.
func (c *Context) ParallelRegionIterate(ctx context.Context, ids []region.ID, fn func(m *Manager, id region.ID)) error {
	for i, id := range ids {
		c.managers[i%len(c.managers)].PushRegion(id)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range c.managers {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				id, ok := c.regions.TryPopLocal(m.id)
				if !ok {
					id, ok = c.regions.Steal(m.id, m.rng)
				}
				if !ok {
					return nil
				}
				fn(m, id)
			}
		})
	}
	err := g.Wait()
	if err != nil {
		c.regions.Clear(nil)
	}
	return err
}

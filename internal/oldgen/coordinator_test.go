package oldgen

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pam-La/oldgen_gc/internal/heap"
	"github.com/Pam-La/oldgen_gc/internal/heuristics"
	"github.com/Pam-La/oldgen_gc/internal/marking"
	"github.com/Pam-La/oldgen_gc/internal/region"
	"github.com/Pam-La/oldgen_gc/internal/satb"
)

type fakePolicy struct {
	start     atomic.Bool
	completed atomic.Int32
}

func (p *fakePolicy) ShouldStartCycle() bool {
	return p.start.Load()
}

func (p *fakePolicy) NotifyCycleComplete(heuristics.CycleStats) {
	p.completed.Add(1)
}

func (p *fakePolicy) ChooseCollectionCandidates(c []heuristics.Candidate) []region.ID {
	out := make([]region.ID, len(c))
	for i := range c {
		out[i] = c[i].ID
	}
	return out
}

func newTestHeap(t *testing.T, regions int, words uint64) *heap.Heap {
	t.Helper()
	dir, err := region.NewDirectory(regions, words)
	require.NoError(t, err)
	log, err := satb.NewQueueSet(satb.Config{BufferSize: 4, CompletedCapacity: 16})
	require.NoError(t, err)
	return heap.New(dir, log)
}

// buildChain allocates n old objects linked through field 0 and roots the head.
func buildChain(t *testing.T, h *heap.Heap, n int) []heap.Ref {
	t.Helper()
	mut := h.NewMutator()
	defer mut.Close()
	refs := make([]heap.Ref, n)
	for i := range refs {
		ref, err := mut.Allocate(region.TagOld, 4, false)
		require.NoError(t, err)
		refs[i] = ref
		if i > 0 {
			require.NoError(t, mut.Store(refs[i-1], 0, ref))
		}
	}
	h.AddRoot(refs[0])
	return refs
}

func allocDead(t *testing.T, h *heap.Heap, n int) []heap.Ref {
	t.Helper()
	refs := make([]heap.Ref, n)
	for i := range refs {
		ref, err := h.Allocate(region.TagOld, 4, false)
		require.NoError(t, err)
		refs[i] = ref
	}
	return refs
}

func newTestCoordinator(h *heap.Heap, policy heuristics.Heuristics) *Coordinator {
	return New(h, policy, nil, Config{
		Marking:                  marking.Config{Workers: 3, ChunkThreshold: 8},
		EvacuationReserveRegions: 1,
	})
}

func TestCycleStartScenario(t *testing.T) {
	h := newTestHeap(t, 32, 1024)
	live := buildChain(t, h, 300)
	dead := allocDead(t, h, 50)

	policy := &fakePolicy{}
	policy.start.Store(true)
	c := newTestCoordinator(h, policy)

	var seen []State
	var startable []bool
	c.Observe(func(_, to State) {
		seen = append(seen, to)
		startable = append(startable, c.CanStartGC())
	})

	require.True(t, c.CanStartGC())
	res, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []State{StateFilling, StateBootstrapping, StateMarking, StateWaitingForEvac}, seen)
	assert.Equal(t, []bool{false, false, false, false}, startable)
	assert.False(t, c.CanStartGC())
	assert.Equal(t, int32(1), policy.completed.Load())

	for _, ref := range live {
		assert.True(t, h.Bitmap().IsMarked(uint64(ref)))
	}
	for _, ref := range dead {
		assert.False(t, h.Bitmap().IsMarked(uint64(ref)))
	}
	assert.Equal(t, uint64(len(live)), res.Mark.ObjectsMarked)
	assert.Equal(t, 1, c.ShadowPool().Len())
	assert.False(t, h.SATB().IsActive())
	assert.False(t, h.IsMarking())

	_, err = c.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleInProgress)
}

func TestDeferredCycleResumesAtGate(t *testing.T) {
	h := newTestHeap(t, 8, 1024)
	buildChain(t, h, 10)
	policy := &fakePolicy{}
	c := newTestCoordinator(h, policy)

	_, err := c.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleDeferred)
	assert.Equal(t, StateFilling, c.State())
	assert.False(t, c.CanStartGC())

	var seen []State
	c.Observe(func(_, to State) { seen = append(seen, to) })
	policy.start.Store(true)
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateBootstrapping, StateMarking, StateWaitingForEvac}, seen)
}

func TestCancelDuringMarking(t *testing.T) {
	h := newTestHeap(t, 32, 1024)
	buildChain(t, h, 500)
	policy := &fakePolicy{}
	policy.start.Store(true)
	c := newTestCoordinator(h, policy)

	var fired bool
	c.Observe(func(_, to State) {
		if to == StateMarking && !fired {
			fired = true
			c.CancelMarking()
			c.CancelMarking()
		}
	})
	_, err := c.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrMarkingCancelled)

	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, c.OutstandingTasks())
	mark := c.markContext()
	require.NotNil(t, mark)
	for i := range mark.Workers() {
		assert.Nil(t, mark.Manager(i).StatsCache())
	}
	assert.Zero(t, mark.Arrays().Live())
	assert.False(t, h.SATB().IsActive())
	assert.False(t, h.IsMarking())
	assert.Zero(t, policy.completed.Load())

	// A cancelled cycle can be restarted from Idle.
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateWaitingForEvac, c.State())
}

func TestConcurrentCancelEndsIdle(t *testing.T) {
	h := newTestHeap(t, 64, 1024)
	buildChain(t, h, 2000)
	policy := &fakePolicy{}
	policy.start.Store(true)
	c := newTestCoordinator(h, policy)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			c.CancelMarking()
		}
	}()
	_, err := c.RunCycle(context.Background())
	wg.Wait()
	if err != nil {
		require.ErrorIs(t, err, ErrMarkingCancelled)
	}

	c.CancelMarking()
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, c.OutstandingTasks())
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	h := newTestHeap(t, 4, 64)
	c := newTestCoordinator(h, &fakePolicy{})
	c.CancelMarking()
	assert.Equal(t, StateIdle, c.State())
}

func TestEvacuateThenFill(t *testing.T) {
	h := newTestHeap(t, 16, 64)
	dir := h.Directory()

	// 10 live objects and 2 dead ones share a region; the next 24 dead
	// objects fill two more regions completely.
	live := buildChain(t, h, 10)
	mixedDead := allocDead(t, h, 2)
	deadOnly := allocDead(t, h, 24)
	mixed := h.RegionOf(live[0])
	require.Equal(t, mixed, h.RegionOf(mixedDead[1]))
	require.NotEqual(t, mixed, h.RegionOf(deadOnly[0]))

	policy := heuristics.NewAdaptive(heuristics.DirectoryOccupancy{Dir: dir}, heuristics.Config{})
	policy.RequestCycle()
	c := newTestCoordinator(h, policy)

	res, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(50), dir.LiveWords(mixed))
	assert.NotContains(t, res.Candidates, mixed)
	require.Len(t, res.Candidates, 2)
	for _, id := range res.Candidates {
		assert.Zero(t, dir.LiveWords(id))
		assert.True(t, c.Evacuable(id))
	}
	assert.False(t, c.Evacuable(mixed))

	free := dir.FreeCount()
	st, err := c.CompleteEvacuation(res.Candidates)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingForFill, st)
	assert.Equal(t, free+2, dir.FreeCount())
	for _, ref := range deadOnly {
		assert.Nil(t, h.Lookup(ref))
	}
	assert.True(t, c.CanStartGC())

	filled, err := c.CoalesceAndFill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), filled)
	assert.Equal(t, StateIdle, c.State())
	for _, ref := range live {
		assert.NotNil(t, h.Lookup(ref))
	}
	for _, ref := range mixedDead {
		assert.Nil(t, h.Lookup(ref))
	}
	assert.Len(t, policy.History(), 1)
}

func TestWrongStateOperations(t *testing.T) {
	h := newTestHeap(t, 4, 64)
	c := newTestCoordinator(h, &fakePolicy{})

	_, err := c.CompleteEvacuation(nil)
	require.ErrorIs(t, err, ErrWrongState)
	_, err = c.CoalesceAndFill(context.Background())
	require.ErrorIs(t, err, ErrWrongState)
}

func TestTransferPointersFromSATB(t *testing.T) {
	h := newTestHeap(t, 8, 64)
	dir := h.Directory()
	c := newTestCoordinator(h, &fakePolicy{})

	mut := h.NewMutator()
	holder, err := mut.Allocate(region.TagOld, 3, false)
	require.NoError(t, err)
	marked, _ := mut.Allocate(region.TagOld, 0, false)
	unmarked, _ := mut.Allocate(region.TagOld, 0, false)
	for i, ref := range []heap.Ref{marked, unmarked} {
		require.NoError(t, mut.Store(holder, i, ref))
	}
	// Fill the rest of the region so the next object lands elsewhere.
	for dir.Used(h.RegionOf(holder))+1 <= dir.RegionWords() {
		_, err := mut.Allocate(region.TagOld, 0, false)
		require.NoError(t, err)
	}
	trashed, _ := mut.Allocate(region.TagOld, 0, false)
	require.NotEqual(t, h.RegionOf(holder), h.RegionOf(trashed))
	require.NoError(t, mut.Store(holder, 2, trashed))

	h.SATB().SetActive(true)
	for i := range 3 {
		require.NoError(t, mut.Store(holder, i, heap.Nil))
	}
	mut.Close()
	h.Bitmap().Mark(uint64(marked))
	require.NoError(t, dir.MarkTrashed(h.RegionOf(trashed)))

	kept, discarded := c.TransferPointersFromSATB()
	assert.Equal(t, 1, kept)
	assert.Equal(t, 2, discarded)

	var left []uint64
	h.SATB().DrainCompleted(0, func(addr uint64) { left = append(left, addr) })
	assert.Equal(t, []uint64{uint64(unmarked)}, left)

	require.NoError(t, c.RecycleTrash([]region.ID{h.RegionOf(trashed)}))
	assert.Nil(t, h.Lookup(trashed))
	require.ErrorIs(t, c.RecycleTrash([]region.ID{h.RegionOf(holder)}), region.ErrRegionNotTrash)
}

func TestCancelWithConcurrentReadersEndsIdle(t *testing.T) {
	h := newTestHeap(t, 16, 1024)
	buildChain(t, h, 50)
	policy := &fakePolicy{}
	policy.start.Store(true)
	c := newTestCoordinator(h, policy)

	for i := range 50 {
		_, err := c.RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, StateWaitingForEvac, c.State())

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.Evacuable(0)
					c.LastCycle()
					c.CollectionCandidates()
				}
			}
		}()
		c.CancelMarking()
		close(stop)
		wg.Wait()
		require.Equal(t, StateIdle, c.State(), "run %d", i)
		assert.Empty(t, c.CollectionCandidates())
	}
}

// gatedSafepoint parks the cycle in its second pause, the one before final
// mark, until release is closed.
type gatedSafepoint struct {
	begins  atomic.Int32
	reached chan struct{}
	release chan struct{}
}

func (s *gatedSafepoint) Begin(context.Context) error {
	if s.begins.Add(1) == 2 {
		close(s.reached)
		<-s.release
	}
	return nil
}

func (s *gatedSafepoint) End() {}

func TestRecycleTrashDuringMarking(t *testing.T) {
	h := newTestHeap(t, 16, 64)
	dir := h.Directory()
	live := buildChain(t, h, 3)
	holder := live[0]
	oldDead := allocDead(t, h, 1)[0]
	young, err := h.Allocate(region.TagYoung, 0, false)
	require.NoError(t, err)
	youngRegion := h.RegionOf(young)

	sp := &gatedSafepoint{reached: make(chan struct{}), release: make(chan struct{})}
	policy := &fakePolicy{}
	policy.start.Store(true)
	c := New(h, policy, nil, Config{
		Marking:   marking.Config{Workers: 2, ChunkThreshold: 8},
		Safepoint: sp,
	})

	cycle := make(chan error, 1)
	go func() {
		_, err := c.RunCycle(context.Background())
		cycle <- err
	}()
	<-sp.reached
	require.Equal(t, StateMarking, c.State())

	// Publish and then drop references to two unmarked objects, so both
	// land in the pre-write log.
	mut := h.NewMutator()
	for _, ref := range []heap.Ref{young, oldDead} {
		require.NoError(t, mut.Store(holder, 1, ref))
		require.NoError(t, mut.Store(holder, 1, heap.Nil))
	}
	mut.Close()

	require.NoError(t, dir.MarkTrashed(youngRegion))
	recycled := make(chan error, 1)
	go func() { recycled <- c.RecycleTrash([]region.ID{youngRegion}) }()
	select {
	case err := <-recycled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RecycleTrash waited for the running cycle")
	}
	assert.Equal(t, region.StatusFree, dir.Status(youngRegion))
	assert.Nil(t, h.Lookup(young))

	var logged []uint64
	h.SATB().DrainAndFilter(func(addr uint64) bool {
		logged = append(logged, addr)
		return true
	})
	assert.Equal(t, []uint64{uint64(oldDead)}, logged)

	close(sp.release)
	require.NoError(t, <-cycle)
	assert.Equal(t, StateWaitingForEvac, c.State())
	assert.True(t, h.Bitmap().IsMarked(uint64(oldDead)))
}

func TestCompleteEvacuationRejectsBadRegions(t *testing.T) {
	h := newTestHeap(t, 16, 64)
	dir := h.Directory()
	live := buildChain(t, h, 4)
	young, err := h.Allocate(region.TagYoung, 0, false)
	require.NoError(t, err)
	policy := &fakePolicy{}
	policy.start.Store(true)
	c := newTestCoordinator(h, policy)
	_, err = c.RunCycle(context.Background())
	require.NoError(t, err)

	freeID, shadowID := region.Invalid, region.Invalid
	for i := range dir.Len() {
		id := region.ID(i)
		switch {
		case dir.Status(id) == region.StatusFree && freeID == region.Invalid:
			freeID = id
		case dir.IsShadow(id):
			shadowID = id
		}
	}
	require.NotEqual(t, region.Invalid, freeID)
	require.NotEqual(t, region.Invalid, shadowID)

	old := h.RegionOf(live[0])
	freeCount := dir.FreeCount()
	for _, ids := range [][]region.ID{
		{freeID},
		{h.RegionOf(young)},
		{shadowID},
		{old, old},
		{region.ID(dir.Len())},
	} {
		_, err := c.CompleteEvacuation(ids)
		require.ErrorIs(t, err, ErrNotEvacuable, "ids %v", ids)
		assert.Equal(t, StateWaitingForEvac, c.State())
		assert.Equal(t, freeCount, dir.FreeCount())
		assert.False(t, dir.IsTrashed(old))
	}

	_, err = c.CompleteEvacuation(nil)
	require.NoError(t, err)
	seen := map[region.ID]bool{}
	for dir.FreeCount() > 0 {
		id, err := dir.AllocateRegion()
		require.NoError(t, err)
		require.False(t, seen[id], "region %d handed out twice", id)
		seen[id] = true
	}
}

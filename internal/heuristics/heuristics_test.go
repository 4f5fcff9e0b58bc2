package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Pam-La/oldgen_gc/internal/region"
)

type fakeOccupancy struct {
	used, capacity uint64
}

func (f *fakeOccupancy) OldUsedWords() uint64     { return f.used }
func (f *fakeOccupancy) OldCapacityWords() uint64 { return f.capacity }

func TestOccupancyTrigger(t *testing.T) {
	occ := &fakeOccupancy{used: 50, capacity: 100}
	h := NewAdaptive(occ, Config{TriggerPercent: 60})

	assert.False(t, h.ShouldStartCycle())
	occ.used = 60
	assert.True(t, h.ShouldStartCycle())

	// Survivors of the last cycle raise the floor.
	h.NotifyCycleComplete(CycleStats{WordsMarked: 70})
	occ.used = 65
	assert.False(t, h.ShouldStartCycle())
	occ.used = 80
	assert.True(t, h.ShouldStartCycle())
	assert.Len(t, h.History(), 1)
}

func TestExplicitRequestFiresOnce(t *testing.T) {
	h := NewAdaptive(&fakeOccupancy{capacity: 100}, Config{})
	h.RequestCycle()
	assert.True(t, h.ShouldStartCycle())
	assert.False(t, h.ShouldStartCycle())
}

func TestEmptyOldGenerationNeverTriggers(t *testing.T) {
	h := NewAdaptive(&fakeOccupancy{}, Config{})
	assert.False(t, h.ShouldStartCycle())
}

func TestChooseCollectionCandidates(t *testing.T) {
	h := NewAdaptive(&fakeOccupancy{}, Config{GarbagePercent: 50, MaxCandidates: 2})
	got := h.ChooseCollectionCandidates([]Candidate{
		{ID: 1, LiveWords: 90, GarbageWords: 10},
		{ID: 2, LiveWords: 10, GarbageWords: 90},
		{ID: 3, LiveWords: 40, GarbageWords: 60},
		{ID: 4, LiveWords: 0, GarbageWords: 0},
		{ID: 5, LiveWords: 0, GarbageWords: 100},
	})
	assert.Equal(t, []region.ID{5, 2}, got)
}

func TestDirectoryOccupancy(t *testing.T) {
	dir, err := region.NewDirectory(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	young, _ := dir.AllocateRegion()
	old, _ := dir.AllocateRegion()
	dir.SetGeneration(old, region.TagOld)
	dir.BumpAllocate(young, 10)
	dir.BumpAllocate(old, 20)

	occ := DirectoryOccupancy{Dir: dir}
	assert.Equal(t, uint64(20), occ.OldUsedWords())
	assert.Equal(t, uint64(256), occ.OldCapacityWords())
}

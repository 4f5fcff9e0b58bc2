package heuristics

import "github.com/Pam-La/oldgen_gc/internal/region"

// DirectoryOccupancy reads old generation usage straight from the region
// directory. Capacity is the whole heap since any free region may become old.
type DirectoryOccupancy struct {
	Dir *region.Directory
}

func (o DirectoryOccupancy) OldUsedWords() uint64 {
	var used uint64
	o.Dir.Old().ForEachRegion(func(id region.ID) {
		if !o.Dir.IsShadow(id) {
			used += o.Dir.Used(id)
		}
	})
	return used
}

func (o DirectoryOccupancy) OldCapacityWords() uint64 {
	return uint64(o.Dir.Len()) * o.Dir.RegionWords()
}

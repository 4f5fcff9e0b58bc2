package region

// Allocator hands out and takes back whole regions.
type Allocator interface {
	AllocateRegion() (ID, error)
	RecycleRegion(id ID)
}

var _ Allocator = (*Directory)(nil)

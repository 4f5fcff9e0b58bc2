package region

// Address layout.
const (
	WordSize = 8

	// Invalid is returned by lookups and pools that have nothing to hand out.
	Invalid ID = ^ID(0)
)

// Sizing bounds.
const (
	minRegionWords = 64
	minRegionCount = 2
)

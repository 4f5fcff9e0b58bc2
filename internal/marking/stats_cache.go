package marking

import (
	"errors"

	"github.com/Pam-La/oldgen_gc/internal/region"
)

var (
	ErrInvalidCacheSize = errors.New("stats cache size must be a power of two and >= 1")
)

type cacheEntry struct {
	regionID  region.ID
	liveWords uint64
}

// StatsCache collects per-region live words for one worker so workers do not
// contend on the directory for every marked object. It is direct mapped: a
// region that collides with an occupied slot evicts the slot's delta to the
// directory first.
type StatsCache struct {
	dir     *region.Directory
	mask    uint64
	entries []cacheEntry

	pushed    uint64
	flushed   uint64
	evictions uint64
}

func NewStatsCache(dir *region.Directory, entries int) (*StatsCache, error) {
	if entries < 1 || entries&(entries-1) != 0 {
		return nil, ErrInvalidCacheSize
	}
	return &StatsCache{
		dir:     dir,
		mask:    uint64(entries - 1),
		entries: make([]cacheEntry, entries),
	}, nil
}

// Push credits words to a region.
func (c *StatsCache) Push(id region.ID, words uint64) {
	c.pushed += words
	idx := uint64(id) & c.mask
	e := &c.entries[idx]
	if e.regionID == id {
		e.liveWords += words
		return
	}
	if e.liveWords != 0 {
		c.evict(idx)
	}
	e.regionID = id
	e.liveWords = words
}

func (c *StatsCache) evict(idx uint64) {
	e := &c.entries[idx]
	if e.liveWords == 0 {
		return
	}
	c.dir.AddLiveWords(e.regionID, e.liveWords)
	c.flushed += e.liveWords
	c.evictions++
	e.liveWords = 0
}

// EvictAll flushes every pending delta to the directory.
func (c *StatsCache) EvictAll() {
	for i := range c.entries {
		c.evict(uint64(i))
	}
}

// Pending returns words pushed but not yet flushed.
func (c *StatsCache) Pending() uint64 {
	return c.pushed - c.flushed
}

func (c *StatsCache) Pushed() uint64 {
	return c.pushed
}

func (c *StatsCache) Evictions() uint64 {
	return c.evictions
}

package partialarray

import "sync/atomic"

// State is a suspended scan of one large array. Several queue entries may
// reference the same State; each entry holds one reference and claims
// disjoint index ranges through next.
type State struct {
	array  uint64
	length int
	chunk  int

	next atomic.Int64
	refs atomic.Int32
}

func (s *State) Array() uint64 {
	return s.array
}

func (s *State) Length() int {
	return s.length
}

// Claim reserves the next chunk. ok is false once every index is claimed.
func (s *State) Claim() (start, end int, ok bool) {
	claimed := s.next.Add(int64(s.chunk)) - int64(s.chunk)
	if claimed >= int64(s.length) {
		return 0, 0, false
	}
	start = int(claimed)
	return start, min(start+s.chunk, s.length), true
}

// HasUnclaimed reports whether some chunk is still unclaimed.
func (s *State) HasUnclaimed() bool {
	return s.next.Load() < int64(s.length)
}

func (s *State) References() int32 {
	return s.refs.Load()
}

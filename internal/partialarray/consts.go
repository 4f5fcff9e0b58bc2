package partialarray

// Arena geometry for state handles.
const (
	StateChunkShift = 10
	StateChunkSize  = 1 << StateChunkShift
	StateChunkMask  = StateChunkSize - 1

	maxStateChunks = 1 << 12
)

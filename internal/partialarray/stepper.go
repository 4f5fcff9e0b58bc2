package partialarray

// Stepper decides how an array is split across workers.
type Stepper struct {
	threshold int
	workers   int
}

// NewStepper takes the minimum array length that gets split; it also serves
// as the chunk length, so an array of length L never yields more than
// ceil(L/threshold) chunks.
func NewStepper(threshold, workers int) Stepper {
	if threshold < 1 {
		threshold = 1
	}
	if workers < 1 {
		workers = 1
	}
	return Stepper{threshold: threshold, workers: workers}
}

func (s Stepper) ChunkSize() int {
	return s.threshold
}

// ShouldChunk reports whether an array is long enough to split.
func (s Stepper) ShouldChunk(length int) bool {
	return length > s.threshold
}

// Chunks returns how many chunks an array of length splits into.
func (s Stepper) Chunks(length int) int {
	return (length + s.threshold - 1) / s.threshold
}

// InitialTasks returns how many queue entries to create for a new state: one
// per chunk, but never more than there are workers to take them.
func (s Stepper) InitialTasks(length int) int {
	return min(s.Chunks(length), s.workers)
}

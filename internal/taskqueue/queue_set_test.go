package taskqueue

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDequeOwnerLIFOThiefFIFO(t *testing.T) {
	d, err := NewDeque[ScannerTask](8)
	require.NoError(t, err)

	for i := uint64(1); i <= 4; i++ {
		require.True(t, d.Push(ScannerTask(i*8)))
	}
	v, ok := d.Steal()
	require.True(t, ok)
	assert.Equal(t, ScannerTask(8), v)

	v, ok = d.Pop()
	require.True(t, ok)
	assert.Equal(t, ScannerTask(32), v)
	assert.Equal(t, 2, d.Size())
}

func TestDequeBounded(t *testing.T) {
	_, err := NewDeque[ScannerTask](6)
	require.ErrorIs(t, err, ErrInvalidCapacity)

	d, _ := NewDeque[ScannerTask](2)
	assert.True(t, d.Push(8))
	assert.True(t, d.Push(16))
	assert.False(t, d.Push(24))
	d.Pop()
	d.Pop()
	_, ok := d.Pop()
	assert.False(t, ok)
	assert.True(t, d.IsEmpty())
}

func TestPushNeverFailsAndSpillsToOverflow(t *testing.T) {
	s, err := NewQueueSet[ScannerTask](2, 4)
	require.NoError(t, err)

	for i := uint64(1); i <= 10; i++ {
		s.Push(0, ScannerTask(i*8))
	}
	assert.Equal(t, 10, s.Size())
	st := s.Stats(0)
	assert.Equal(t, uint64(10), st.Pushes)
	assert.Equal(t, uint64(6), st.Overflows)

	seen := map[ScannerTask]bool{}
	for {
		v, ok := s.TryPopLocal(0)
		if !ok {
			break
		}
		seen[v] = true
	}
	assert.Len(t, seen, 10)
	assert.True(t, s.IsEmpty())
}

func TestStealFromPeer(t *testing.T) {
	s, _ := NewQueueSet[ScannerTask](4, 16)
	s.Push(2, 8)
	s.Push(2, 16)

	_, ok := s.TrySteal(1, 1)
	assert.False(t, ok, "self steal must fail")

	v, ok := s.TrySteal(1, 2)
	require.True(t, ok)
	assert.Equal(t, ScannerTask(8), v)

	rng := rand.New(rand.NewPCG(1, 2))
	v, ok = s.Steal(0, rng)
	require.True(t, ok)
	assert.Equal(t, ScannerTask(16), v)

	_, ok = s.Steal(0, rng)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats(1).Steals)
}

func TestUninitializedQueueSetPanics(t *testing.T) {
	var s *QueueSet[ScannerTask]
	require.PanicsWithValue(t, ErrQueueSetUninitialized, func() { s.TryPopLocal(0) })
	require.PanicsWithValue(t, ErrQueueSetUninitialized, func() { (&QueueSet[ScannerTask]{}).Push(0, 8) })
}

func TestClearDrainsEverything(t *testing.T) {
	s, _ := NewQueueSet[ScannerTask](2, 2)
	for i := uint64(1); i <= 5; i++ {
		s.Push(int(i%2), ScannerTask(i*8))
	}
	var got []ScannerTask
	assert.Equal(t, 5, s.Clear(func(v ScannerTask) { got = append(got, v) }))
	assert.Len(t, got, 5)
	assert.True(t, s.IsEmpty())
}

// Every pushed task is consumed exactly once under concurrent pop and steal.
func TestConcurrentPopStealExactlyOnce(t *testing.T) {
	const workers, perWorker = 4, 20000
	s, err := NewQueueSet[ScannerTask](workers, 256)
	require.NoError(t, err)

	counts := make([]atomic.Int32, workers*perWorker+1)
	var produced atomic.Int64
	var consumed atomic.Int64

	term := NewTerminator(workers, func() bool { return !s.IsEmpty() || produced.Load() < workers*perWorker })
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			next := 0
			for {
				if next < perWorker {
					id := uint64(w*perWorker + next + 1)
					s.Push(w, ScannerTask(id*8))
					produced.Add(1)
					next++
				}
				v, ok := s.TryPopLocal(w)
				if !ok {
					v, ok = s.Steal(w, rng)
				}
				if ok {
					counts[uint64(v)/8].Add(1)
					consumed.Add(1)
					continue
				}
				if next < perWorker {
					continue
				}
				if term.OfferTermination(nil) {
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, int64(workers*perWorker), consumed.Load())
	for i := 1; i < len(counts); i++ {
		if got := counts[i].Load(); got != 1 {
			t.Fatalf("task %d consumed %d times", i, got)
		}
	}
	assert.True(t, term.Terminated())
}

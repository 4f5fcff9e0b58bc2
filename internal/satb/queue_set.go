// Package satb implements the snapshot-at-the-beginning pre-write log.
//
// While old marking is active, every reference store first records the value
// being overwritten. Mutators append to a private Queue; full buffers are
// published to the QueueSet, where marking workers drain them.
package satb

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Pam-La/oldgen_gc/internal/async"
)

var (
	ErrInvalidBufferSize = errors.New("satb buffer size must be >= 1")
)

// Config sizes the log.
type Config struct {
	BufferSize        int
	CompletedCapacity uint64
}

const (
	defaultBufferSize        = 256
	defaultCompletedCapacity = 1024
)

// QueueSet owns the completed buffers and the registry of mutator queues.
type QueueSet struct {
	bufferSize int
	active     atomic.Bool

	completed  *async.RingBuffer[[]uint64]
	overflowMu sync.Mutex
	overflow   [][]uint64

	buffers sync.Pool

	queuesMu sync.Mutex
	queues   map[*Queue]struct{}

	enqueued atomic.Uint64
}

func NewQueueSet(cfg Config) (*QueueSet, error) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.CompletedCapacity == 0 {
		cfg.CompletedCapacity = defaultCompletedCapacity
	}
	if cfg.BufferSize < 1 {
		return nil, ErrInvalidBufferSize
	}
	completed, err := async.NewRingBuffer[[]uint64](cfg.CompletedCapacity)
	if err != nil {
		return nil, fmt.Errorf("satb completed buffers: %w", err)
	}
	s := &QueueSet{
		bufferSize: cfg.BufferSize,
		completed:  completed,
		queues:     make(map[*Queue]struct{}),
	}
	s.buffers.New = func() any {
		buf := make([]uint64, 0, s.bufferSize)
		return &buf
	}
	return s, nil
}

// IsActive reports whether stores must be logged.
func (s *QueueSet) IsActive() bool {
	return s.active.Load()
}

// SetActive turns logging on or off for every mutator.
func (s *QueueSet) SetActive(active bool) {
	s.active.Store(active)
}

// Enqueued returns the number of entries logged since creation.
func (s *QueueSet) Enqueued() uint64 {
	return s.enqueued.Load()
}

func (s *QueueSet) newBuffer() []uint64 {
	p := s.buffers.Get().(*[]uint64)
	return (*p)[:0]
}

func (s *QueueSet) releaseBuffer(buf []uint64) {
	if cap(buf) != s.bufferSize {
		return
	}
	buf = buf[:0]
	s.buffers.Put(&buf)
}

// publish hands a buffer to drainers. The ring is bounded; when it is full the
// buffer goes to the locked overflow list instead. Nothing is ever dropped.
func (s *QueueSet) publish(buf []uint64) {
	if len(buf) == 0 {
		s.releaseBuffer(buf)
		return
	}
	if s.completed.Enqueue(buf) {
		return
	}
	s.overflowMu.Lock()
	s.overflow = append(s.overflow, buf)
	s.overflowMu.Unlock()
}

func (s *QueueSet) takeCompleted() ([]uint64, bool) {
	if buf, ok := s.completed.Dequeue(); ok {
		return buf, true
	}
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	n := len(s.overflow)
	if n == 0 {
		return nil, false
	}
	buf := s.overflow[n-1]
	s.overflow[n-1] = nil
	s.overflow = s.overflow[:n-1]
	return buf, true
}

// HasCompleted reports whether any published buffer is waiting.
func (s *QueueSet) HasCompleted() bool {
	if s.completed.Len() > 0 {
		return true
	}
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	return len(s.overflow) > 0
}

// DrainCompleted hands entries of up to maxBuffers published buffers to fn.
// maxBuffers <= 0 drains everything currently published.
func (s *QueueSet) DrainCompleted(maxBuffers int, fn func(addr uint64)) int {
	entries := 0
	for n := 0; maxBuffers <= 0 || n < maxBuffers; n++ {
		buf, ok := s.takeCompleted()
		if !ok {
			break
		}
		for _, v := range buf {
			fn(v)
		}
		entries += len(buf)
		s.releaseBuffer(buf)
	}
	return entries
}

// FlushAll publishes every mutator's partial buffer. Callers must ensure the
// mutators are not concurrently storing, or accept that later stores land in
// fresh buffers.
func (s *QueueSet) FlushAll() {
	s.queuesMu.Lock()
	defer s.queuesMu.Unlock()
	for q := range s.queues {
		q.Flush()
	}
}

// Abandon discards every logged entry, published or not.
func (s *QueueSet) Abandon() int {
	s.FlushAll()
	return s.DrainCompleted(0, func(uint64) {})
}

// FilterBuffer compacts buf in place, keeping entries for which keep returns
// true, and returns the kept prefix.
func FilterBuffer(buf []uint64, keep func(addr uint64) bool) []uint64 {
	out := buf[:0]
	for _, v := range buf {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// DrainAndFilter flushes all mutator buffers, drains every published buffer,
// and republishes only entries accepted by keep. It returns the kept and
// discarded counts.
func (s *QueueSet) DrainAndFilter(keep func(addr uint64) bool) (kept, discarded int) {
	s.FlushAll()

	var drained [][]uint64
	for {
		buf, ok := s.takeCompleted()
		if !ok {
			break
		}
		drained = append(drained, buf)
	}
	for _, buf := range drained {
		before := len(buf)
		buf = FilterBuffer(buf, keep)
		kept += len(buf)
		discarded += before - len(buf)
		s.publish(buf)
	}
	return kept, discarded
}

package async

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRingBufferRejectsBadCapacity(t *testing.T) {
	for _, c := range []uint64{0, 1, 3, 12} {
		if _, err := NewRingBuffer[int](c); err != ErrInvalidCapacity {
			t.Fatalf("capacity %d: got err=%v want=%v", c, err, ErrInvalidCapacity)
		}
	}
}

func TestRingBufferBasic(t *testing.T) {
	q, err := NewRingBuffer[[]uint64](8)
	if err != nil {
		t.Fatalf("new ring buffer failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		if ok := q.Enqueue([]uint64{uint64(i)}); !ok {
			t.Fatalf("enqueue failed at %d", i)
		}
	}
	if ok := q.Enqueue(nil); ok {
		t.Fatalf("enqueue should fail when queue is full")
	}
	if got := q.Len(); got != 8 {
		t.Fatalf("unexpected len: got=%d want=8", got)
	}

	for i := 0; i < 8; i++ {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue failed at %d", i)
		}
		if got[0] != uint64(i) {
			t.Fatalf("unexpected dequeue value: got=%d want=%d", got[0], i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("dequeue should fail when queue is empty")
	}
}

func TestRingBufferConcurrent(t *testing.T) {
	const (
		producers   = 4
		consumers   = 4
		perProducer = 5000
		total       = producers * perProducer
	)

	q, err := NewRingBuffer[int](1024)
	if err != nil {
		t.Fatalf("new ring buffer failed: %v", err)
	}

	var consumed atomic.Int64
	var sum atomic.Int64
	var producerWG sync.WaitGroup
	var consumerWG sync.WaitGroup
	done := make(chan struct{})

	for p := 0; p < producers; p++ {
		producerWG.Add(1)
		go func(base int) {
			defer producerWG.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Enqueue(base*perProducer + i) {
				}
			}
		}(p)
	}

	for c := 0; c < consumers; c++ {
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if v, ok := q.Dequeue(); ok {
					sum.Add(int64(v))
					consumed.Add(1)
				}
			}
		}()
	}

	producerWG.Wait()
	deadline := time.Now().Add(5 * time.Second)
	for consumed.Load() < total && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	close(done)
	consumerWG.Wait()

	if consumed.Load() != total {
		t.Fatalf("timed out waiting for consumers: consumed=%d", consumed.Load())
	}
	if want := int64(total) * int64(total-1) / 2; sum.Load() != want {
		t.Fatalf("lost or duplicated values: sum=%d want=%d", sum.Load(), want)
	}
}

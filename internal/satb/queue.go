package satb

import "sync"

// Queue is one mutator's private log. mu is only contended when the collector
// flushes all queues.
type Queue struct {
	set *QueueSet

	mu  sync.Mutex
	buf []uint64
}

// NewQueue registers a queue for a mutator.
func (s *QueueSet) NewQueue() *Queue {
	q := &Queue{set: s, buf: s.newBuffer()}
	s.queuesMu.Lock()
	s.queues[q] = struct{}{}
	s.queuesMu.Unlock()
	return q
}

// Unregister publishes any pending entries and forgets the queue.
func (s *QueueSet) Unregister(q *Queue) {
	s.queuesMu.Lock()
	delete(s.queues, q)
	s.queuesMu.Unlock()
	q.Flush()
}

// Enqueue logs a pre-write value. Null values are not logged.
func (q *Queue) Enqueue(addr uint64) {
	if addr == 0 {
		return
	}
	q.mu.Lock()
	q.buf = append(q.buf, addr)
	if len(q.buf) >= q.set.bufferSize {
		full := q.buf
		q.buf = q.set.newBuffer()
		q.mu.Unlock()
		q.set.enqueued.Add(1)
		q.set.publish(full)
		return
	}
	q.mu.Unlock()
	q.set.enqueued.Add(1)
}

// Flush publishes the partial buffer.
func (q *Queue) Flush() {
	q.mu.Lock()
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return
	}
	full := q.buf
	q.buf = q.set.newBuffer()
	q.mu.Unlock()
	q.set.publish(full)
}

// Pending returns the number of unpublished entries.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

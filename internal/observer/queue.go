package observer

import (
	"sync"

	"tradewarden/internal/domain"
)

// RecordQueue is the bounded single-consumer queue between the observer
// and the orchestrator. When full, the oldest unconsumed record is
// dropped so the producer never blocks.
type RecordQueue struct {
	mu       sync.Mutex
	buf      []domain.TradeRecord
	capacity int
	dropped  uint64
}

// NewRecordQueue creates a queue holding at most capacity records.
func NewRecordQueue(capacity int) *RecordQueue {
	return &RecordQueue{capacity: capacity}
}

// Push enqueues a record, evicting the oldest one when the queue is at
// capacity. It reports whether an eviction happened.
func (q *RecordQueue) Push(rec domain.TradeRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:]
		q.dropped++
		evicted = true
	}
	q.buf = append(q.buf, rec)
	return evicted
}

// Drain removes and returns every queued record in arrival order.
func (q *RecordQueue) Drain() []domain.TradeRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.buf
	q.buf = nil
	return out
}

// Len returns the current queue depth.
func (q *RecordQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns the lifetime count of evicted records.
func (q *RecordQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

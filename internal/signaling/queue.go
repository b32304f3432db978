package signaling

import (
	"sync"
	"sync/atomic"
)

// sendQueue is a bounded FIFO of encoded outbound messages.
//
// Bus subscribers enqueue while registry locks are held, so Enqueue never
// blocks; the connection's writer goroutine drains it.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxLen int
	frames [][]byte

	drops atomic.Uint64
}

func newSendQueue(maxLen int) *sendQueue {
	if maxLen <= 0 {
		maxLen = 1
	}
	q := &sendQueue{maxLen: maxLen}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends frame unless the queue is full or closed.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) >= q.maxLen {
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available. After Close it keeps returning
// the frames queued before Close, then reports false.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = nil
	q.frames = q.frames[:len(q.frames)-1]
	return frame, true
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

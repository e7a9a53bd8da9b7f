// Package dispatcher implements the outbound message dispatcher (spec
// §4.5): a bounded priority queue feeding a transmitter goroutine that
// retries with Fibonacci backoff and trips a circuit breaker on
// sustained transport failure, plus a receiver goroutine that polls or
// long-polls for inbound requests and a request dispatcher that serves
// built-in device resources.
package dispatcher

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"devicegateway/internal/model"
)

// queueItem wraps a Message for the priority heap: HIGHEST priority
// first, then earlier EventTime, then higher Reliability, then Ordinal
// ascending (FIFO among otherwise equal messages).
type queueItem struct {
	msg   *model.Message
	index int
}

type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	if h[i].msg.EventTime != h[j].msg.EventTime {
		return h[i].msg.EventTime < h[j].msg.EventTime
	}
	if h[i].msg.Reliability != h[j].msg.Reliability {
		return h[i].msg.Reliability > h[j].msg.Reliability
	}
	return h[i].msg.Ordinal < h[j].msg.Ordinal
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// ErrQueueFull is returned by Queue.Enqueue when the queue is at
// capacity (spec §4.5, §5 backpressure).
var ErrQueueFull = fmt.Errorf("dispatcher: queue is full")

// Queue is the bounded priority queue of outbound messages, guarded by
// queueLock per spec §5's lock-order discipline
// (queueLock -> receiveLock -> contentLock -> persistenceLock).
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	heap     priorityHeap
	capacity int
	closed   bool
}

// NewQueue builds a bounded priority queue with room for capacity messages.
func NewQueue(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds msg to the queue, returning ErrQueueFull if it is at capacity.
func (q *Queue) Enqueue(msg *model.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("dispatcher: queue is closed")
	}
	if len(q.heap) >= q.capacity {
		return ErrQueueFull
	}
	heap.Push(&q.heap, &queueItem{msg: msg})
	q.cond.Signal()
	return nil
}

// Dequeue blocks until a message is available, ctx is canceled, or the
// queue is closed, whichever happens first.
func (q *Queue) Dequeue(ctx context.Context) (*model.Message, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(q.heap) == 0 {
		return nil, fmt.Errorf("dispatcher: queue is closed")
	}
	item := heap.Pop(&q.heap).(*queueItem)
	return item.msg, nil
}

// DrainAll non-blockingly pops every message currently queued, in
// priority order, for the transmitter's drain-to-pendingMessages step
// (spec §4.3 step 2).
func (q *Queue) DrainAll() []*model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.Message, 0, len(q.heap))
	for len(q.heap) > 0 {
		item := heap.Pop(&q.heap).(*queueItem)
		out = append(out, item.msg)
	}
	return out
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close unblocks any pending Dequeue calls.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

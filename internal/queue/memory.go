package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker used by run-processor unit tests so
// they don't need a live Redis instance; it preserves the same delayed-
// delivery and enqueue-order semantics as RedisBroker.
type MemoryBroker struct {
	mu       sync.Mutex
	ready    map[Name][]Message
	deferred map[Name]*deferredHeap
	notify   map[Name]chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		ready:    make(map[Name][]Message),
		deferred: make(map[Name]*deferredHeap),
		notify:   make(map[Name]chan struct{}, 2),
	}
}

type deferredEntry struct {
	dueAt time.Time
	msg   Message
}

type deferredHeap []deferredEntry

func (h deferredHeap) Len() int            { return len(h) }
func (h deferredHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h deferredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deferredHeap) Push(x any)         { *h = append(*h, x.(deferredEntry)) }
func (h *deferredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

func (b *MemoryBroker) Enqueue(_ context.Context, queue Name, msg Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if delay <= 0 {
		b.ready[queue] = append(b.ready[queue], msg)

		return nil
	}

	h := b.deferred[queue]
	if h == nil {
		h = &deferredHeap{}
		b.deferred[queue] = h
	}

	heap.Push(h, deferredEntry{dueAt: time.Now().Add(delay), msg: msg})

	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, queue Name, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)

	for {
		b.promoteDue(queue)

		b.mu.Lock()
		queued := b.ready[queue]

		if len(queued) > 0 {
			msg := queued[0]
			b.ready[queue] = queued[1:]
			b.mu.Unlock()

			return &msg, nil
		}
		b.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) promoteDue(queue Name) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.deferred[queue]
	if h == nil {
		return
	}

	now := time.Now()

	for h.Len() > 0 && !(*h)[0].dueAt.After(now) {
		entry := heap.Pop(h).(deferredEntry)
		b.ready[queue] = append(b.ready[queue], entry.msg)
	}
}

// Len reports how many messages are immediately ready on queue, for tests
// asserting the worker pool stays idle during a delay window.
func (b *MemoryBroker) Len(queue Name) int {
	b.promoteDue(queue)

	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.ready[queue])
}

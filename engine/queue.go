package engine

import (
	"container/heap"
	"sync"
)

// pendingItem is one queued task reference. Only the fields needed for
// ordering live here; the registry owns the task record itself.
type pendingItem struct {
	id       string
	priority Priority
	seq      uint64
	index    int
}

// pendingHeap implements heap.Interface. Ordering: highest priority first,
// then lowest sequence number (submission order) among equal priorities.
// The sequence tie-break is what makes Pop deterministic; sorting a slice
// descending and popping its tail would invert the contract.
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x interface{}) {
	item, ok := x.(*pendingItem)
	if !ok {
		// This should never happen if the heap interface is used correctly
		panic("pendingHeap.Push: unexpected item type")
	}
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

// PendingQueue holds tasks awaiting admission, ordered by priority with a
// FIFO tie-break on submission order.
type PendingQueue struct {
	mu      sync.Mutex
	items   pendingHeap
	nextSeq uint64
}

// NewPendingQueue creates an empty pending queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{items: make(pendingHeap, 0)}
}

// Push enqueues a task reference.
func (q *PendingQueue) Push(id string, priority Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.items, &pendingItem{
		id:       id,
		priority: priority,
		seq:      q.nextSeq,
	})
	q.nextSeq++
}

// Pop removes and returns the id of the best pending task, or false if the
// queue is empty.
func (q *PendingQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	item, ok := heap.Pop(&q.items).(*pendingItem)
	if !ok {
		return "", false
	}
	return item.id, true
}

// Requeue puts a task back at the position its original submission order
// dictates. Used when admission is rejected by the resource monitor.
func (q *PendingQueue) Requeue(id string, priority Priority, originalSeq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.items, &pendingItem{
		id:       id,
		priority: priority,
		seq:      originalSeq,
	})
}

// PopItem removes and returns the best pending item including its sequence
// number, so a rejected task can be requeued without losing its place.
func (q *PendingQueue) PopItem() (id string, priority Priority, seq uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", 0, 0, false
	}
	item, cast := heap.Pop(&q.items).(*pendingItem)
	if !cast {
		return "", 0, 0, false
	}
	return item.id, item.priority, item.seq, true
}

// Remove deletes a queued task by id. Returns true if it was present.
func (q *PendingQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.id == id {
			heap.Remove(&q.items, item.index)
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

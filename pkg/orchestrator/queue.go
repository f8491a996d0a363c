package orchestrator

import (
	"container/heap"
	"sync"
	"time"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// queueItem is one queued task with its effective priority. Starvation
// promotion raises the effective priority without touching the request.
type queueItem struct {
	task       *types.Task
	effective  types.Priority
	enqueuedAt time.Time
	index      int
}

// taskHeap orders by effective priority desc, then submission time asc
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	pi, pj := h[i].effective.Rank(), h[j].effective.Rank()
	if pi != pj {
		return pi > pj
	}
	return h[i].task.SubmittedAt.Before(h[j].task.SubmittedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// taskQueue is the bounded dispatch queue. Overflow rejects immediately;
// tasks waiting past the promotion window climb one priority level per
// sweep so lower priorities cannot starve forever.
type taskQueue struct {
	mu       sync.Mutex
	heap     taskHeap
	capacity int
	promote  time.Duration
}

func newTaskQueue(capacity int, promote time.Duration) *taskQueue {
	if capacity <= 0 {
		capacity = 100
	}
	q := &taskQueue{capacity: capacity, promote: promote}
	heap.Init(&q.heap)
	return q
}

// Enqueue admits a task at its request priority
func (q *taskQueue) Enqueue(task *types.Task) error {
	return q.enqueue(task, task.Request.Priority)
}

// Requeue readmits a task keeping a previously promoted priority
func (q *taskQueue) enqueue(task *types.Task, effective types.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.capacity {
		return errdefs.E(errdefs.KindQueueFull, "dispatch queue at capacity").
			WithRemediation("retry after in-flight tasks drain")
	}
	heap.Push(&q.heap, &queueItem{
		task:       task,
		effective:  effective,
		enqueuedAt: time.Now(),
	})
	return nil
}

// Dequeue removes and returns the highest-priority task, nil when empty
func (q *taskQueue) Dequeue() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queueItem)
	return item.task
}

// Remove drops a task from the queue by id, reporting whether it was held
func (q *taskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.heap {
		if item.task.ID == taskID {
			heap.Remove(&q.heap, item.index)
			return true
		}
	}
	return false
}

// Len reports the current depth
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// PromoteStarved raises the effective priority of entries waiting longer
// than the promotion window, one level per sweep. Disabled when the
// window is zero. Returns the promoted task ids.
func (q *taskQueue) PromoteStarved(now time.Time) []string {
	if q.promote <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var promoted []string
	changed := false
	for _, item := range q.heap {
		if now.Sub(item.enqueuedAt) < q.promote {
			continue
		}
		next := item.effective.Promote()
		if next == item.effective {
			continue
		}
		item.effective = next
		item.enqueuedAt = now
		promoted = append(promoted, item.task.ID)
		changed = true
	}
	if changed {
		heap.Init(&q.heap)
	}
	return promoted
}

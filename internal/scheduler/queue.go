package scheduler

import (
	"container/heap"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// queueItem is one pending task in the priority queue. seq breaks ties
// between tasks with equal priority and submission time, preserving
// strict FIFO admission order.
type queueItem struct {
	task *models.Task
	seq  uint64
}

// taskQueue is a max-heap ordered by priority descending, then
// submission time ascending, then admission sequence.
type taskQueue []*queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.SubmittedAt.Equal(b.task.SubmittedAt) {
		return a.task.SubmittedAt.Before(b.task.SubmittedAt)
	}
	return a.seq < b.seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*queueItem)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// push adds a task to the queue.
func (q *taskQueue) push(t *models.Task, seq uint64) {
	heap.Push(q, &queueItem{task: t, seq: seq})
}

// pop removes and returns the highest-priority task, or nil when empty.
func (q *taskQueue) pop() *models.Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem).task
}

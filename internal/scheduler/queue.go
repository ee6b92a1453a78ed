package scheduler

import (
	"container/heap"
	"math"
)

// shutdownPriority puts the shutdown sentinel ahead of every request.
const shutdownPriority = math.MaxInt

// item is one queued entry. A shutdown item carries no job.
type item struct {
	job      Job
	seq      uint64
	shutdown bool
	reason   error
}

func (it *item) priority() int {
	if it.shutdown {
		return shutdownPriority
	}
	return it.job.Request.Priority
}

// pending orders items by priority, larger first, then by arrival.
type pending []*item

func (q pending) Len() int { return len(q) }

func (q pending) Less(i, j int) bool {
	pi, pj := q[i].priority(), q[j].priority()
	if pi != pj {
		return pi > pj
	}
	return q[i].seq < q[j].seq
}

func (q pending) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pending) Push(x any) { *q = append(*q, x.(*item)) }

func (q *pending) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// queue wraps the heap with a sequence counter for FIFO tie-breaks.
type queue struct {
	items pending
	seq   uint64
}

func (q *queue) push(it *item) {
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
}

// requeue puts a blocked item back without a new sequence number, so it
// keeps its place among equal priorities.
func (q *queue) requeue(it *item) {
	heap.Push(&q.items, it)
}

func (q *queue) pop() (*item, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*item), true
}

func (q *queue) len() int { return len(q.items) }

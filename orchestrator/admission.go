package orchestrator

import (
	"container/heap"
	"context"
	"sync"

	"github.com/BaSui01/taskflow/workflow"
	"golang.org/x/sync/semaphore"
)

// admission hands out workflow slots from a weighted semaphore. Waiters are
// granted in priority order, then in arrival order.
type admission struct {
	sem      *semaphore.Weighted
	capacity int64

	mu      sync.Mutex
	waiting waitQueue
	seq     uint64
	inUse   int64
}

type waiter struct {
	rank    int
	seq     uint64
	ready   chan struct{}
	index   int
	granted bool
}

func newAdmission(capacity int) *admission {
	if capacity < 1 {
		capacity = 1
	}
	return &admission{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is granted or ctx is done.
func (a *admission) Acquire(ctx context.Context, p workflow.Priority) error {
	a.mu.Lock()
	a.seq++
	w := &waiter{rank: p.Rank(), seq: a.seq, ready: make(chan struct{})}
	heap.Push(&a.waiting, w)
	a.grantLocked()
	a.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w.granted {
		// lost the race with grant; hand the slot back
		a.releaseLocked()
		return ctx.Err()
	}
	heap.Remove(&a.waiting, w.index)
	return ctx.Err()
}

// Release returns a slot and wakes the next waiter.
func (a *admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked()
}

func (a *admission) releaseLocked() {
	a.sem.Release(1)
	a.inUse--
	a.grantLocked()
}

func (a *admission) grantLocked() {
	for a.waiting.Len() > 0 && a.sem.TryAcquire(1) {
		w := heap.Pop(&a.waiting).(*waiter)
		w.granted = true
		a.inUse++
		close(w.ready)
	}
}

// Depth is the number of submissions waiting for a slot.
func (a *admission) Depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waiting.Len()
}

// InUse is the number of slots currently held.
func (a *admission) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.inUse)
}

type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].rank != q[j].rank {
		return q[i].rank > q[j].rank
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

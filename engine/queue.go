package engine

import (
	"container/heap"
	"context"
	"sync"
)

// dispatcher hands out a fixed number of execution slots. Waiters are
// served highest priority first, FIFO within a priority, which is the
// property a plain semaphore cannot give us.
type dispatcher struct {
	mu      sync.Mutex
	free    int
	seq     uint64
	waiters waiterHeap
}

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	index    int
}

func newDispatcher(slots int) *dispatcher {
	if slots < 1 {
		slots = 1
	}
	return &dispatcher{free: slots}
}

// acquire blocks until a slot is granted or the context ends.
func (d *dispatcher) acquire(ctx context.Context, priority int) error {
	d.mu.Lock()
	if d.free > 0 && d.waiters.Len() == 0 {
		d.free--
		d.mu.Unlock()
		return nil
	}
	w := &waiter{priority: priority, seq: d.seq, ready: make(chan struct{})}
	d.seq++
	heap.Push(&d.waiters, w)
	d.grantLocked()
	d.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&d.waiters, w.index)
			d.mu.Unlock()
			return ctx.Err()
		}
		d.mu.Unlock()
		// The grant raced the cancellation; hand the slot back.
		<-w.ready
		d.release()
		return ctx.Err()
	}
}

// release returns a slot and wakes the best waiter, if any.
func (d *dispatcher) release() {
	d.mu.Lock()
	d.free++
	d.grantLocked()
	d.mu.Unlock()
}

func (d *dispatcher) grantLocked() {
	for d.free > 0 && d.waiters.Len() > 0 {
		d.free--
		w := heap.Pop(&d.waiters).(*waiter)
		close(w.ready)
	}
}

// queued returns the current waiter count.
func (d *dispatcher) queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiters.Len()
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

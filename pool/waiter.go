package pool

import (
	"container/list"
	"sync"
	"sync/atomic"
)

const (
	waiterPending int32 = iota
	waiterFulfilled
	waiterCanceled
)

// waiter is one blocked Acquire. It is completed exactly once, either by
// fulfill or by cancel.
type waiter struct {
	state atomic.Int32
	ch    chan *entry // nil entry means the pool closed
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan *entry, 1)}
}

func (w *waiter) fulfill(e *entry) bool {
	if !w.state.CompareAndSwap(waiterPending, waiterFulfilled) {
		return false
	}
	w.ch <- e
	return true
}

func (w *waiter) cancel() bool {
	return w.state.CompareAndSwap(waiterPending, waiterCanceled)
}

func (w *waiter) pending() bool { return w.state.Load() == waiterPending }

// fifo is a mutex guarded queue used for both idle entries and waiters.
type fifo[T any] struct {
	mu sync.Mutex
	l  list.List
}

func (q *fifo[T]) push(v T) {
	q.mu.Lock()
	q.l.PushBack(v)
	q.mu.Unlock()
}

func (q *fifo[T]) pushFront(v T) {
	q.mu.Lock()
	q.l.PushFront(v)
	q.mu.Unlock()
}

func (q *fifo[T]) pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.l.Front()
	if front == nil {
		return v, false
	}
	return q.l.Remove(front).(T), true
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// each calls fn for every element from the front while holding the lock.
func (q *fifo[T]) each(fn func(T)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.l.Front(); e != nil; e = e.Next() {
		fn(e.Value.(T))
	}
}

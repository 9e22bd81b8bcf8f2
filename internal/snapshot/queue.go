package snapshot

import "sync"

// PendingWrite is a write scheduled by a script's C_Register.Set call,
// to be applied by the poll loop after the last burst of its current cycle rather than
// synchronously from inside the script (spec.md §4.8, §9 supplement:
// scripts never touch the transport directly).
type PendingWrite struct {
	Name  string
	Value any
}

// WriteQueue is a simple FIFO of pending writes, drained once per poll
// cycle by the poll loop.
type WriteQueue struct {
	mu    sync.Mutex
	items []PendingWrite
}

// NewWriteQueue returns an empty queue.
func NewWriteQueue() *WriteQueue {
	return &WriteQueue{}
}

// Push enqueues a write request.
func (q *WriteQueue) Push(name string, value any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, PendingWrite{Name: name, Value: value})
}

// DrainAll removes and returns every pending write, in FIFO order.
func (q *WriteQueue) DrainAll() []PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = nil
	return drained
}

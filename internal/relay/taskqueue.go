package relay

import "sync"

// TaskQueue is a FIFO of closures run on the relay loop. Any goroutine may
// push; only the loop runs them.
type TaskQueue struct {
	mu    sync.Mutex
	tasks []func()
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Push appends a task.
func (q *TaskQueue) Push(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
}

// RunPending runs the tasks queued before the call, in push order. Tasks
// pushed while running wait for the next call.
func (q *TaskQueue) RunPending() int {
	q.mu.Lock()
	batch := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Clear drops every queued task.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	q.tasks = nil
	q.mu.Unlock()
}

package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory. Tasks are handed out in
// NotBefore order and a task is never returned before its NotBefore.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	notify chan struct{}
	now    func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	prepare(&t, q.now())
	i := sort.Search(len(q.tasks), func(i int) bool { return q.tasks[i].NotBefore.After(t.NotBefore) })
	q.tasks = append(q.tasks, Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		wait := time.Duration(-1)
		if len(q.tasks) > 0 {
			head := q.tasks[0]
			if d := head.NotBefore.Sub(q.now()); d > 0 {
				wait = d
			} else {
				q.tasks = q.tasks[1:]
				q.mu.Unlock()
				return &head, nil
			}
		}
		q.mu.Unlock()

		var (
			tmr   *time.Timer
			fired <-chan time.Time
		)
		if wait > 0 {
			tmr = time.NewTimer(wait)
			fired = tmr.C
		}

		select {
		case <-ctx.Done():
			if tmr != nil {
				tmr.Stop()
			}
			return nil, ctx.Err()
		case <-q.notify:
		case <-fired:
		}
		if tmr != nil {
			tmr.Stop()
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

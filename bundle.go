package funnel

import (
	"database/sql"

	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *worker.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs an Engine, a queue and a Worker sharing one
// SQLite database. Funnels, enrollments, A/B tests and pending deliveries
// all survive a restart.
//
//	db, _ := sql.Open("sqlite", "file:funnel.db?_pragma=journal_mode(WAL)")
//	bundle, err := funnel.NewSQLiteBundle(db, handlers, worker.Config{MaxAttempts: 3})
func NewSQLiteBundle(db *sql.DB, h worker.Handlers, cfg worker.Config, opts ...Option) (*WorkerBundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	eng, err := NewSQLiteEngine(db, append(opts, WithQueue(q))...)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine: eng,
		Worker: worker.NewWithConfig(q, h, cfg),
		queue:  q,
	}, nil
}

// Pending returns the approximate number of undelivered tasks.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}

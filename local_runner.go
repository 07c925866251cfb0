package funnel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/worker"
)

// DefaultTickInterval is how often a LocalRunner scheduler calls Tick when
// no interval is given.
const DefaultTickInterval = 10 * time.Second

// LocalRunner bundles an in-memory Engine, an in-memory task queue and a
// Worker that delivers the queued messages, webhooks and notifications.
// It is meant for development, tests and single-process deployments.
//
// Typical usage:
//
//	runner := funnel.NewLocalRunner(worker.Handlers{Messenger: m})
//	funnel.New("welcome").Active()...MustRegister(ctx, runner.Engine)
//
//	_ = runner.StartWorkers(ctx, 2)
//	_ = runner.StartScheduler(ctx, time.Minute)
//	...
//	runner.Stop()
type LocalRunner struct {
	Engine Engine
	Queue  taskqueue.Queue
	Worker *worker.Worker

	logger *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	workers bool
	ticking bool
}

// NewLocalRunner constructs a LocalRunner whose engine writes delivery tasks
// to the queue its worker reads from.
func NewLocalRunner(h worker.Handlers, opts ...Option) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	logger := buildConfig(opts).Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalRunner{
		Engine: NewInMemoryEngine(append(opts[:len(opts):len(opts)], WithQueue(q))...),
		Queue:  q,
		Worker: worker.NewWithConfig(q, h, worker.Config{Logger: logger}),
		logger: logger,
	}
}

// StartWorkers starts concurrency goroutines that deliver tasks until Stop
// is called. Calling it twice without Stop returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.workers {
		return errors.New("funnel: LocalRunner workers already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancels = append(r.cancels, cancel)
	r.workers = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					// A failed delivery must not stop the loop.
					r.logger.Warn("local_runner_worker_error", "error", err, "processed", processed)
				}
			}
		}()
	}
	return nil
}

// StartScheduler calls Tick every interval until Stop is called.
func (r *LocalRunner) StartScheduler(ctx context.Context, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticking {
		return errors.New("funnel: LocalRunner scheduler already started")
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancels = append(r.cancels, cancel)
	r.ticking = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := Tick(ctx, r.Engine)
				if err != nil && ctx.Err() == nil {
					r.logger.Warn("local_runner_tick_error", "error", err)
				}
				if res.Resumed+res.Waiting > 0 {
					r.logger.Debug("local_runner_tick", "resumed", res.Resumed, "waiting", res.Waiting)
				}
			}
		}
	}()
	return nil
}

// Drain delivers queued tasks until the queue is empty. It is useful in
// tests that do not start background workers.
func (r *LocalRunner) Drain(ctx context.Context) (int, error) {
	n := 0
	for r.Queue.Len() > 0 {
		processed, err := r.Worker.ProcessOne(ctx)
		if processed {
			n++
		}
		if err != nil && !processed {
			return n, err
		}
	}
	return n, nil
}

// Stop cancels everything started by StartWorkers and StartScheduler and
// waits for it to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.workers, r.ticking = false, false
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	r.wg.Wait()
}

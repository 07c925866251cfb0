package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/api"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
	DefaultMaxBackoff  = time.Minute
	DefaultTaskTimeout = 30 * time.Second
)

// ErrNoHandler is returned when a task arrives for a collaborator that was
// not configured.
var ErrNoHandler = errors.New("no handler configured for task")

// Config controls retries of failed deliveries.
type Config struct {
	// MaxAttempts is the total number of tries per task, first one included.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// TaskTimeout bounds a single delivery.
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Handlers are the external systems tasks are delivered to. A nil handler
// makes its tasks fail permanently.
type Handlers struct {
	Messenger api.Messenger
	Webhooks  api.WebhookPoster
	Notifier  api.OwnerNotifier
}

// Worker pulls delivery tasks from a Queue and hands them to the matching
// collaborator, retrying transient failures with exponential backoff.
type Worker struct {
	queue    taskqueue.Queue
	handlers Handlers
	cfg      Config
	now      func() time.Time
}

// New creates a Worker with default retry settings.
func New(queue taskqueue.Queue, h Handlers) *Worker {
	return NewWithConfig(queue, h, Config{})
}

// NewWithConfig creates a Worker with explicit retry settings.
func NewWithConfig(queue taskqueue.Queue, h Handlers, cfg Config) *Worker {
	return &Worker{
		queue:    queue,
		handlers: h,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// ProcessOne pulls a single task from the queue and delivers it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true, err == nil: delivered, or a retry was scheduled.
//   - processed == true, err != nil: the task failed for good and was dropped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	tctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	runErr := w.deliver(tctx, task)
	cancel()
	if runErr == nil {
		return true, nil
	}

	attempt := task.Attempts + 1
	log := w.cfg.Logger.With(
		"task_id", task.ID,
		"task_type", string(task.Type),
		"enrollment_id", task.EnrollmentID,
		"attempt", attempt,
	)

	if IsPermanent(runErr) || attempt >= w.cfg.MaxAttempts {
		log.Error("task_failed", "error", runErr)
		return true, fmt.Errorf("task %s (%s) failed after %d attempt(s): %w", task.ID, task.Type, attempt, runErr)
	}

	delay := w.backoff(attempt)
	retry := *task
	retry.Attempts = attempt
	retry.NotBefore = w.now().Add(delay)
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		return true, fmt.Errorf("reschedule task %s: %w", task.ID, err)
	}
	log.Warn("task_retry_scheduled", "error", runErr, "delay", delay)
	return true, nil
}

// Run processes tasks until ctx is cancelled. Delivery failures are logged
// and never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !processed {
			return err
		}
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}

func (w *Worker) deliver(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskSendMessage, taskqueue.TaskSendReminder:
		msg, ok := task.Payload.(api.Message)
		if !ok {
			return Permanent(fmt.Errorf("invalid payload %T for %s task", task.Payload, task.Type))
		}
		if w.handlers.Messenger == nil {
			return Permanent(ErrNoHandler)
		}
		return w.handlers.Messenger.Send(ctx, msg)

	case taskqueue.TaskCallWebhook:
		p, ok := task.Payload.(taskqueue.WebhookPayload)
		if !ok {
			return Permanent(fmt.Errorf("invalid payload %T for %s task", task.Payload, task.Type))
		}
		if w.handlers.Webhooks == nil {
			return Permanent(ErrNoHandler)
		}
		return w.handlers.Webhooks.Post(ctx, p.URL, p.Body, p.Headers)

	case taskqueue.TaskNotifyOwner:
		p, ok := task.Payload.(taskqueue.NotifyPayload)
		if !ok {
			return Permanent(fmt.Errorf("invalid payload %T for %s task", task.Payload, task.Type))
		}
		if w.handlers.Notifier == nil {
			return Permanent(ErrNoHandler)
		}
		return w.handlers.Notifier.NotifyOwner(ctx, p.OwnerID, p.Subject, p.Body)

	default:
		return Permanent(errors.New("unknown task type: " + string(task.Type)))
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

package taskqueue

import (
	"context"
	"encoding/gob"
	"time"

	"github.com/google/uuid"

	"github.com/netsendo/funnel/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskSendMessage delivers a funnel email. Payload: api.Message.
	TaskSendMessage TaskType = "send-message"
	// TaskSendReminder delivers a condition reminder. Payload: api.Message.
	TaskSendReminder TaskType = "send-reminder"
	// TaskCallWebhook posts to an outbound webhook. Payload: WebhookPayload.
	TaskCallWebhook TaskType = "call-webhook"
	// TaskNotifyOwner notifies the funnel owner. Payload: NotifyPayload.
	TaskNotifyOwner TaskType = "notify-owner"
)

// Task represents a unit of fire-and-forget work produced by the engine.
type Task struct {
	ID   string
	Type TaskType

	FunnelID     string
	EnrollmentID string
	StepID       string

	// Payload is task-type specific, see the TaskType constants.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts failed deliveries so far.
	Attempts int
}

// WebhookPayload is the body of a call-webhook task.
type WebhookPayload struct {
	URL     string
	Body    map[string]string
	Headers map[string]string
}

// NotifyPayload is the body of a notify-owner task.
type NotifyPayload struct {
	OwnerID string
	Subject string
	Body    string
}

func init() {
	gob.Register(api.Message{})
	gob.Register(WebhookPayload{})
	gob.Register(NotifyPayload{})
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task whose NotBefore has passed,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// prepare fills in the identity and timing fields of a task about to be
// enqueued.
func prepare(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

package api

import "context"

// The engine talks to the rest of the platform only through the interfaces
// below. Message delivery, webhooks and owner notifications are dispatched
// asynchronously through a task queue and executed by pkg/worker; directory,
// tracking and task lookups are called synchronously by the engine.

// Message is one outbound email or SMS.
type Message struct {
	SubscriberID string
	FunnelID     string
	MessageID    string
	// Channel is "email" or "sms".
	Channel string
	// Reminder marks retries sent by a waiting condition.
	Reminder bool
	Attempt  int
}

// Messenger delivers messages. A nil error means the provider accepted it.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookPoster posts a JSON payload to an outbound webhook.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload map[string]string, headers map[string]string) error
}

// OwnerNotifier notifies the funnel owner (for example by internal email).
type OwnerNotifier interface {
	NotifyOwner(ctx context.Context, ownerID, subject, body string) error
}

// Directory is the subscriber directory: tags, custom fields and list
// membership.
type Directory interface {
	HasTag(ctx context.Context, subscriberID, tag string) (bool, error)
	AddTag(ctx context.Context, subscriberID, tag string) error
	RemoveTag(ctx context.Context, subscriberID, tag string) error

	// GetField returns the value of a custom field; ok is false when unset.
	GetField(ctx context.Context, subscriberID, field string) (value string, ok bool, err error)
	SetField(ctx context.Context, subscriberID, field, value string) error

	AddToList(ctx context.Context, subscriberID, listID string) error
	RemoveFromList(ctx context.Context, subscriberID, listID string) error
	Unsubscribe(ctx context.Context, subscriberID, listID string) error
}

// Tracking event types understood by Tracker.
const (
	TrackOpen  = "open"
	TrackClick = "click"
)

// Tracker answers open/click lookups from the tracking-event store.
type Tracker interface {
	HasEvent(ctx context.Context, subscriberID, messageID, eventType string) (bool, error)
}

// TaskLookup reports whether a linked CRM task has been completed.
type TaskLookup interface {
	IsTaskCompleted(ctx context.Context, subscriberID, taskID string) (bool, error)
}

// Collaborators bundles the synchronous dependencies of the engine. Nil
// members make the corresponding conditions evaluate false and the
// corresponding actions fail (and be logged).
type Collaborators struct {
	Directory Directory
	Tracker   Tracker
	Tasks     TaskLookup
}

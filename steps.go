package funnel

import "github.com/netsendo/funnel/pkg/api"

// Condition constructors for FunnelBuilder.If and FunnelBuilder.WaitFor.

// TagPresent holds when the subscriber has tag.
func TagPresent(tag string) ConditionConfig {
	return ConditionConfig{Kind: api.ConditionTagPresent, Tag: tag}
}

// FieldMatches compares a custom field with value using op.
func FieldMatches(field string, op api.FieldOperator, value string) ConditionConfig {
	return ConditionConfig{Kind: api.ConditionField, Field: field, Operator: op, Value: value}
}

// Opened holds once the subscriber opened messageID. Reminders re-send
// messageID unless the retry policy names another message.
func Opened(messageID string) ConditionConfig {
	return ConditionConfig{Kind: api.ConditionEmailOpened, MessageID: messageID}
}

// Clicked holds once the subscriber clicked a link in messageID.
func Clicked(messageID string) ConditionConfig {
	return ConditionConfig{Kind: api.ConditionEmailClicked, MessageID: messageID}
}

// TaskCompleted holds once the CRM task is done.
func TaskCompleted(taskID string) ConditionConfig {
	return ConditionConfig{Kind: api.ConditionTaskCompleted, TaskID: taskID}
}

// Action constructors for FunnelBuilder.Do.

func AddTag(tag string) ActionConfig {
	return ActionConfig{Kind: api.ActionAddTag, Tag: tag}
}

func RemoveTag(tag string) ActionConfig {
	return ActionConfig{Kind: api.ActionRemoveTag, Tag: tag}
}

func SetField(field, value string) ActionConfig {
	return ActionConfig{Kind: api.ActionSetField, Field: field, Value: value}
}

// MoveToList adds the subscriber to listID and removes them from the
// funnel's own list.
func MoveToList(listID string) ActionConfig {
	return ActionConfig{Kind: api.ActionMoveToList, ListID: listID}
}

func CopyToList(listID string) ActionConfig {
	return ActionConfig{Kind: api.ActionCopyToList, ListID: listID}
}

// Unsubscribe removes the subscriber from listID, or from the funnel's
// list when listID is empty.
func Unsubscribe(listID string) ActionConfig {
	return ActionConfig{Kind: api.ActionUnsubscribe, ListID: listID}
}

// Webhook queues a POST to url carrying the funnel, step, enrollment and
// subscriber ids.
func Webhook(url string, headers map[string]string) ActionConfig {
	return ActionConfig{Kind: api.ActionWebhook, URL: url, Headers: headers}
}

// NotifyOwner queues a notification to the funnel owner. An empty subject
// gets a generated one.
func NotifyOwner(subject, body string) ActionConfig {
	return ActionConfig{Kind: api.ActionNotifyOwner, Subject: subject, Body: body}
}

// Variant is one arm of a split. An empty next continues with the step
// added after the split.
func Variant(name string, weight int, next string) VariantLink {
	return VariantLink{Name: name, Weight: weight, Next: next}
}

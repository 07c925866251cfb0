package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/api"
)

// ErrUnknownAction is reported for unrecognized action kinds.
var ErrUnknownAction = errors.New("unknown action kind")

// perform runs the side effect of an action step. Directory mutations are
// synchronous; webhooks and owner notifications are queued for the worker.
func (e *engineImpl) perform(ctx context.Context, enr *api.Enrollment, f *api.Funnel, step *api.Step, cfg api.ActionConfig) error {
	sub := enr.SubscriberID
	dir := e.collab.Directory

	needDir := func() error {
		if dir == nil {
			return fmt.Errorf("%s: directory: %w", cfg.Kind, ErrNoCollaborator)
		}
		return nil
	}
	need := func(name, v string) error {
		if v == "" {
			return fmt.Errorf("%s: %s is required", cfg.Kind, name)
		}
		return nil
	}

	switch cfg.Kind {
	case api.ActionAddTag, api.ActionRemoveTag:
		if err := errors.Join(needDir(), need("tag", cfg.Tag)); err != nil {
			return err
		}
		if cfg.Kind == api.ActionAddTag {
			return dir.AddTag(ctx, sub, cfg.Tag)
		}
		return dir.RemoveTag(ctx, sub, cfg.Tag)

	case api.ActionSetField:
		if err := errors.Join(needDir(), need("field", cfg.Field)); err != nil {
			return err
		}
		return dir.SetField(ctx, sub, cfg.Field, cfg.Value)

	case api.ActionCopyToList:
		if err := errors.Join(needDir(), need("list_id", cfg.ListID)); err != nil {
			return err
		}
		return dir.AddToList(ctx, sub, cfg.ListID)

	case api.ActionMoveToList:
		if err := errors.Join(needDir(), need("list_id", cfg.ListID)); err != nil {
			return err
		}
		if err := dir.AddToList(ctx, sub, cfg.ListID); err != nil {
			return err
		}
		if from := f.ListID(); from != "" && from != cfg.ListID {
			return dir.RemoveFromList(ctx, sub, from)
		}
		return nil

	case api.ActionUnsubscribe:
		if err := needDir(); err != nil {
			return err
		}
		list := cfg.ListID
		if list == "" {
			list = f.ListID()
		}
		return dir.Unsubscribe(ctx, sub, list)

	case api.ActionWebhook:
		if err := need("url", cfg.URL); err != nil {
			return err
		}
		return e.queue.Enqueue(ctx, taskqueue.Task{
			Type:         taskqueue.TaskCallWebhook,
			FunnelID:     enr.FunnelID,
			EnrollmentID: enr.ID,
			StepID:       step.ID,
			Payload: taskqueue.WebhookPayload{
				URL: cfg.URL,
				Body: map[string]string{
					"event":         "funnel.step",
					"funnel_id":     enr.FunnelID,
					"step_id":       step.ID,
					"enrollment_id": enr.ID,
					"subscriber_id": sub,
				},
				Headers: cfg.Headers,
			},
		})

	case api.ActionNotifyOwner:
		subject := cfg.Subject
		if subject == "" {
			subject = fmt.Sprintf("Funnel %q: subscriber %s reached %s", f.Name, sub, step.ID)
		}
		return e.queue.Enqueue(ctx, taskqueue.Task{
			Type:         taskqueue.TaskNotifyOwner,
			FunnelID:     enr.FunnelID,
			EnrollmentID: enr.ID,
			StepID:       step.ID,
			Payload: taskqueue.NotifyPayload{
				OwnerID: f.OwnerID,
				Subject: subject,
				Body:    cfg.Body,
			},
		})

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, cfg.Kind)
	}
}

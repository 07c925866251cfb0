package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/netsendo/funnel/internal/persistence"
	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/api"
)

// DefaultRetryInterval applies to retry policies without an interval.
const DefaultRetryInterval = 24 * time.Hour

// RetryManager handles enrollments parked on a waiting condition: it
// resumes them when the condition holds, sends reminders while it does
// not, and applies the exhaustion policy once reminders run out.
type RetryManager struct {
	e *engineImpl
}

// ProcessWaitingEnrollments takes one action per waiting enrollment, in
// priority order: resume on a met condition, send a due reminder, apply
// the exhaustion policy. It returns the number of enrollments acted upon.
func (m *RetryManager) ProcessWaitingEnrollments(ctx context.Context) (int, error) {
	e := m.e
	waiting, err := e.enrollments.ListWaiting(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list waiting enrollments: %w", err)
	}

	acted := 0
	for _, enr := range waiting {
		if ctx.Err() != nil {
			return acted, ctx.Err()
		}

		var did bool
		err := e.withLease(ctx, enr, func() error {
			// Re-read under the lease; another caller may have moved it.
			fresh, err := e.enrollments.GetEnrollment(ctx, enr.ID)
			if err != nil {
				return err
			}
			if fresh.Status != api.EnrollmentWaitingCondition {
				return nil
			}
			did, err = m.processOne(ctx, fresh)
			return err
		})
		switch {
		case errors.Is(err, ErrEnrollmentBusy):
			continue
		case err != nil:
			e.logger.WarnContext(ctx, "waiting_enrollment_failed",
				"enrollment_id", enr.ID,
				"funnel_id", enr.FunnelID,
				"step", enr.CurrentStep,
				"error", err,
			)
		}
		if did {
			acted++
		}
	}
	return acted, nil
}

func (m *RetryManager) processOne(ctx context.Context, enr *api.Enrollment) (bool, error) {
	e := m.e
	g, err := e.graphs.Get(ctx, enr.FunnelID)
	if err != nil {
		return false, err
	}
	step, ok := g.Step(enr.CurrentStep)
	if !ok {
		return true, e.moveAndDrive(ctx, enr, "")
	}
	cfg, ok := step.Config.(api.ConditionConfig)
	if !ok {
		return true, e.moveAndDrive(ctx, enr, step.Next)
	}

	met, evalErr := e.evaluate(ctx, enr, cfg)
	if evalErr != nil {
		e.logger.WarnContext(ctx, "condition_lookup_failed",
			"enrollment_id", enr.ID,
			"step", step.ID,
			"error", evalErr,
		)
	}
	if met {
		return true, m.resume(ctx, enr, step)
	}

	due, err := m.retryDue(ctx, enr, step, cfg, false)
	if err != nil {
		return false, err
	}
	if due {
		return true, m.SendRetry(ctx, enr, step)
	}

	exhausted, err := m.exhaustionDue(ctx, enr, step, cfg)
	if err != nil {
		return false, err
	}
	if exhausted {
		return true, m.HandleRetryExhausted(ctx, enr, step)
	}
	return false, nil
}

// resume leaves the wait through the yes branch.
func (m *RetryManager) resume(ctx context.Context, enr *api.Enrollment, step *api.Step) error {
	e := m.e
	now := e.now()
	if err := e.retryStore.MarkConditionMet(ctx, enr.ID, step.ID, now); err != nil {
		return err
	}
	enr.AddHistory(step.ID, api.HistoryConditionTrue, now, nil)
	enr.StepsCompleted++
	return e.moveAndDrive(ctx, enr, yesBranch(step))
}

// ShouldSendRetry reports whether a reminder is due: the enrollment waits
// on step, retries are enabled, the condition has not been met, fewer than
// MaxAttempts reminders went out, and Interval has passed since the later
// of the last reminder and the time the step was entered.
func (m *RetryManager) ShouldSendRetry(ctx context.Context, enr *api.Enrollment, step *api.Step) (bool, error) {
	cfg, ok := step.Config.(api.ConditionConfig)
	if !ok {
		return false, nil
	}
	return m.retryDue(ctx, enr, step, cfg, true)
}

func (m *RetryManager) retryDue(ctx context.Context, enr *api.Enrollment, step *api.Step, cfg api.ConditionConfig, checkCondition bool) (bool, error) {
	p := cfg.Retry
	if !p.Enabled || p.MaxAttempts <= 0 {
		return false, nil
	}
	if enr.Status != api.EnrollmentWaitingCondition || enr.CurrentStep != step.ID {
		return false, nil
	}

	attempts, err := m.e.retryStore.ListAttempts(ctx, enr.ID, step.ID)
	if err != nil {
		return false, err
	}
	if conditionMet(attempts) || len(attempts) >= p.MaxAttempts {
		return false, nil
	}
	if checkCondition {
		if met, _ := m.IsConditionMet(ctx, enr, step); met {
			return false, nil
		}
	}

	return !m.e.now().Before(lastActivity(enr, attempts).Add(interval(p))), nil
}

// IsConditionMet evaluates the step's condition for the enrollment.
func (m *RetryManager) IsConditionMet(ctx context.Context, enr *api.Enrollment, step *api.Step) (bool, error) {
	cfg, ok := step.Config.(api.ConditionConfig)
	if !ok {
		return false, fmt.Errorf("step %s: %w", step.ID, errMissingConfig)
	}
	return m.e.evaluate(ctx, enr, cfg)
}

// IsRetryExhausted reports whether every reminder of the step's policy has
// been sent. Steps without retries are never exhausted.
func (m *RetryManager) IsRetryExhausted(ctx context.Context, enr *api.Enrollment, step *api.Step) (bool, error) {
	cfg, ok := step.Config.(api.ConditionConfig)
	if !ok || !cfg.Retry.Enabled || cfg.Retry.MaxAttempts <= 0 {
		return false, nil
	}
	attempts, err := m.e.retryStore.ListAttempts(ctx, enr.ID, step.ID)
	if err != nil {
		return false, err
	}
	return len(attempts) >= cfg.Retry.MaxAttempts, nil
}

// exhaustionDue reports whether the exhaustion policy applies now: once
// every reminder went out, or one interval after the last one when
// ExhaustAfterGrace is set. MaxWaitDuration, when configured, caps the
// whole wait.
func (m *RetryManager) exhaustionDue(ctx context.Context, enr *api.Enrollment, step *api.Step, cfg api.ConditionConfig) (bool, error) {
	now := m.e.now()
	if maxWait := m.e.cfg.MaxWaitDuration; maxWait > 0 && !now.Before(enr.StepEnteredAt.Add(maxWait)) {
		return true, nil
	}

	exhausted, err := m.IsRetryExhausted(ctx, enr, step)
	if err != nil || !exhausted {
		return false, err
	}
	if !m.e.cfg.ExhaustAfterGrace {
		return true, nil
	}
	attempts, err := m.e.retryStore.ListAttempts(ctx, enr.ID, step.ID)
	if err != nil {
		return false, err
	}
	return !now.Before(lastActivity(enr, attempts).Add(interval(cfg.Retry))), nil
}

// SendRetry records the next reminder attempt and queues the reminder
// message. The attempt is recorded first so a racing caller that loses
// the attempt number sends nothing.
func (m *RetryManager) SendRetry(ctx context.Context, enr *api.Enrollment, step *api.Step) error {
	e := m.e
	cfg, _ := step.Config.(api.ConditionConfig)

	attempts, err := e.retryStore.ListAttempts(ctx, enr.ID, step.ID)
	if err != nil {
		return err
	}
	attempt := 1
	if n := len(attempts); n > 0 {
		attempt = attempts[n-1].AttemptNumber + 1
	}

	now := e.now()
	err = e.retryStore.RecordAttempt(ctx, api.StepRetry{
		EnrollmentID:  enr.ID,
		StepID:        step.ID,
		AttemptNumber: attempt,
		SentAt:        now,
	})
	if errors.Is(err, persistence.ErrAttemptOutOfOrder) {
		return nil
	}
	if err != nil {
		return err
	}

	messageID := cfg.Retry.MessageID
	if messageID == "" {
		messageID = cfg.MessageID
	}
	payload := map[string]string{"attempt": fmt.Sprint(attempt)}
	if messageID == "" {
		e.logger.WarnContext(ctx, "retry_without_message",
			"enrollment_id", enr.ID,
			"step", step.ID,
			"attempt", attempt,
		)
	} else {
		err := e.queue.Enqueue(ctx, taskqueue.Task{
			Type:         taskqueue.TaskSendReminder,
			FunnelID:     enr.FunnelID,
			EnrollmentID: enr.ID,
			StepID:       step.ID,
			Payload: api.Message{
				SubscriberID: enr.SubscriberID,
				FunnelID:     enr.FunnelID,
				MessageID:    messageID,
				Channel:      "email",
				Reminder:     true,
				Attempt:      attempt,
			},
		})
		if err != nil {
			e.logger.WarnContext(ctx, "retry_enqueue_failed", "enrollment_id", enr.ID, "error", err)
		}
		payload["message_id"] = messageID
	}

	enr.AddHistory(step.ID, api.HistoryRetrySent, now, payload)
	if err := e.enrollments.UpdateEnrollment(ctx, enr); err != nil {
		return err
	}
	e.observer.OnRetrySent(ctx, enr, step.ID, attempt)
	return nil
}

// HandleRetryExhausted applies the step's exhaustion policy: continue down
// the no branch, exit, or unsubscribe from the funnel's list and exit. A
// continue with nowhere to go completes the enrollment.
func (m *RetryManager) HandleRetryExhausted(ctx context.Context, enr *api.Enrollment, step *api.Step) error {
	e := m.e
	cfg, _ := step.Config.(api.ConditionConfig)
	now := e.now()

	policy := cfg.Retry.OnExhausted
	if policy == "" {
		policy = api.ExhaustedContinue
	}
	enr.AddHistory(step.ID, api.HistoryRetryExhausted, now, map[string]string{"policy": string(policy)})

	switch policy {
	case api.ExhaustedExit, api.ExhaustedUnsubscribeExit:
		if policy == api.ExhaustedUnsubscribeExit {
			m.unsubscribe(ctx, enr)
		}
		e.finish(enr, step.ID, api.EnrollmentExited, now)
		if err := e.enrollments.UpdateEnrollment(ctx, enr); err != nil {
			return err
		}
		e.observer.OnFinished(ctx, enr)
		return nil

	default:
		enr.StepsCompleted++
		return e.moveAndDrive(ctx, enr, noBranch(step))
	}
}

func (m *RetryManager) unsubscribe(ctx context.Context, enr *api.Enrollment) {
	e := m.e
	g, err := e.graphs.Get(ctx, enr.FunnelID)
	if err != nil {
		e.logger.WarnContext(ctx, "unsubscribe_skipped", "enrollment_id", enr.ID, "error", err)
		return
	}
	if e.collab.Directory == nil {
		e.logger.WarnContext(ctx, "unsubscribe_skipped", "enrollment_id", enr.ID, "error", ErrNoCollaborator)
		return
	}
	if err := e.collab.Directory.Unsubscribe(ctx, enr.SubscriberID, g.funnel.ListID()); err != nil {
		e.logger.WarnContext(ctx, "unsubscribe_failed",
			"enrollment_id", enr.ID,
			"subscriber_id", enr.SubscriberID,
			"error", err,
		)
	}
}

func conditionMet(attempts []api.StepRetry) bool {
	for _, a := range attempts {
		if a.ConditionMetAt != nil {
			return true
		}
	}
	return false
}

// lastActivity is the later of the last reminder and the step entry.
func lastActivity(enr *api.Enrollment, attempts []api.StepRetry) time.Time {
	last := enr.StepEnteredAt
	if n := len(attempts); n > 0 && attempts[n-1].SentAt.After(last) {
		last = attempts[n-1].SentAt
	}
	return last
}

func interval(p api.RetryPolicy) time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultRetryInterval
}

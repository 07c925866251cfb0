package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/api"
)

var (
	errMissingConfig = errors.New("step has no usable configuration")
	errMissingStep   = errors.New("current step does not exist in funnel")
)

// stepResult tells drive what happens after a step ran.
type stepResult struct {
	// next is entered when nothing else is set; empty completes the run.
	next string
	// wake, when set, puts the enrollment to sleep on next until then.
	wake *time.Time
	// wait parks the enrollment on its current step as waiting_condition.
	wait bool
	// finish terminates the enrollment with this status.
	finish api.EnrollmentStatus
	// note is a non-fatal problem reported to observers.
	note error
}

// drive executes steps until the enrollment suspends or terminates. A
// chain longer than MaxHops is parked and resumed by a later tick.
func (e *engineImpl) drive(ctx context.Context, enr *api.Enrollment) error {
	for hops := 0; !enr.IsSuspended(); hops++ {
		if hops >= e.cfg.MaxHops {
			return e.parkOverBudget(ctx, enr)
		}
		err := ctx.Err()
		if err == nil {
			err = e.step(ctx, enr)
		}
		if err != nil {
			e.reschedule(ctx, enr, err)
			return err
		}
	}
	return nil
}

// step executes the current step once and persists the outcome.
func (e *engineImpl) step(ctx context.Context, enr *api.Enrollment) error {
	g, err := e.graphs.Get(ctx, enr.FunnelID)
	if err != nil {
		return err
	}

	now := e.now()
	step, ok := g.Step(enr.CurrentStep)
	if !ok {
		e.logger.WarnContext(ctx, "step_missing",
			"funnel_id", enr.FunnelID,
			"enrollment_id", enr.ID,
			"step", enr.CurrentStep,
		)
		enr.AddHistory(enr.CurrentStep, api.HistoryStepSkipped, now, map[string]string{"reason": errMissingStep.Error()})
		e.finish(enr, enr.CurrentStep, api.EnrollmentCompleted, now)
		if err := e.enrollments.UpdateEnrollment(ctx, enr); err != nil {
			return err
		}
		e.observer.OnFinished(ctx, enr)
		return nil
	}

	e.observer.OnStepStart(ctx, enr, step)
	started := time.Now()

	res, err := e.execute(ctx, enr, &g.funnel, step, now)
	if err != nil {
		return fmt.Errorf("step %s (%s): %w", step.ID, step.Type, err)
	}

	switch {
	case res.finish != "":
		enr.StepsCompleted++
		e.finish(enr, step.ID, res.finish, now)
	case res.wait:
		enr.Status = api.EnrollmentWaitingCondition
	default:
		if step.Type != api.StepStart {
			enr.StepsCompleted++
		}
		e.enter(enr, step.ID, res.next, now)
		if res.wake != nil && !enr.Status.IsTerminal() {
			// A sleeper arrives at its next step when it wakes.
			wake := *res.wake
			enr.NextActionAt = &wake
			enr.StepEnteredAt = wake
		}
	}

	if err := e.enrollments.UpdateEnrollment(ctx, enr); err != nil {
		return err
	}

	if res.note != nil {
		e.logger.WarnContext(ctx, "step_degraded",
			"funnel_id", enr.FunnelID,
			"enrollment_id", enr.ID,
			"step", step.ID,
			"step_type", string(step.Type),
			"error", res.note,
		)
	}
	e.observer.OnStepCompleted(ctx, enr, step, res.note, time.Since(started))

	switch {
	case enr.Status.IsTerminal():
		e.observer.OnFinished(ctx, enr)
	case res.wait:
		e.observer.OnSuspended(ctx, enr, api.SuspendCondition)
	case enr.IsSleeping():
		reason := api.SuspendDelay
		if step.Type == api.StepWaitUntil {
			reason = api.SuspendWaitUntil
		}
		e.observer.OnSuspended(ctx, enr, reason)
	}
	return nil
}

// execute performs the work of one step. Only infrastructure failures are
// returned as errors; configuration and collaborator problems degrade to
// a skip and are reported through stepResult.note.
func (e *engineImpl) execute(ctx context.Context, enr *api.Enrollment, f *api.Funnel, step *api.Step, now time.Time) (stepResult, error) {
	switch step.Type {
	case api.StepStart:
		enr.AddHistory(step.ID, api.HistoryStarted, now, nil)
		return stepResult{next: step.Next}, nil

	case api.StepEmail:
		return e.executeEmail(ctx, enr, step, now), nil

	case api.StepDelay:
		cfg, ok := step.Config.(api.DelayConfig)
		if !ok {
			return e.skip(enr, step, now, errMissingConfig), nil
		}
		if cfg.Duration <= 0 {
			return stepResult{next: step.Next}, nil
		}
		return e.sleepUntil(enr, step, now.Add(cfg.Duration), now), nil

	case api.StepWaitUntil:
		cfg, ok := step.Config.(api.WaitUntilConfig)
		if !ok || cfg.At.IsZero() {
			return e.skip(enr, step, now, errMissingConfig), nil
		}
		if !cfg.At.After(now) {
			return stepResult{next: step.Next}, nil
		}
		return e.sleepUntil(enr, step, cfg.At, now), nil

	case api.StepCondition:
		return e.executeCondition(ctx, enr, step, now)

	case api.StepAction:
		cfg, ok := step.Config.(api.ActionConfig)
		if !ok {
			return e.skip(enr, step, now, errMissingConfig), nil
		}
		if err := e.perform(ctx, enr, f, step, cfg); err != nil {
			enr.AddHistory(step.ID, api.HistoryActionFailed, now, map[string]string{
				"kind":  string(cfg.Kind),
				"error": err.Error(),
			})
			return stepResult{next: step.Next, note: err}, nil
		}
		enr.AddHistory(step.ID, api.HistoryActionPerformed, now, map[string]string{"kind": string(cfg.Kind)})
		return stepResult{next: step.Next}, nil

	case api.StepSplit:
		target, v, err := e.abtests.Route(ctx, step, enr.ID)
		if err != nil {
			return stepResult{}, err
		}
		payload := map[string]string{}
		if v != nil {
			payload["variant_id"] = v.ID
			payload["variant"] = v.Name
		}
		enr.AddHistory(step.ID, api.HistorySplitAssigned, now, payload)
		return stepResult{next: target}, nil

	case api.StepGoal:
		return e.executeGoal(ctx, enr, step, now), nil

	case api.StepEnd:
		return stepResult{finish: api.EnrollmentCompleted}, nil

	default:
		return stepResult{next: step.Next}, nil
	}
}

func (e *engineImpl) executeEmail(ctx context.Context, enr *api.Enrollment, step *api.Step, now time.Time) stepResult {
	cfg, ok := step.Config.(api.EmailConfig)
	if !ok || cfg.MessageID == "" {
		return e.skip(enr, step, now, errors.New("email step has no message assigned"))
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "email"
	}

	err := e.queue.Enqueue(ctx, taskqueue.Task{
		Type:         taskqueue.TaskSendMessage,
		FunnelID:     enr.FunnelID,
		EnrollmentID: enr.ID,
		StepID:       step.ID,
		Payload: api.Message{
			SubscriberID: enr.SubscriberID,
			FunnelID:     enr.FunnelID,
			MessageID:    cfg.MessageID,
			Channel:      channel,
		},
	})
	if err != nil {
		return e.skip(enr, step, now, fmt.Errorf("enqueue message %s: %w", cfg.MessageID, err))
	}
	enr.AddHistory(step.ID, api.HistoryEmailQueued, now, map[string]string{"message_id": cfg.MessageID})
	return stepResult{next: step.Next}
}

func (e *engineImpl) executeCondition(ctx context.Context, enr *api.Enrollment, step *api.Step, now time.Time) (stepResult, error) {
	cfg, ok := step.Config.(api.ConditionConfig)
	if !ok {
		return e.skip(enr, step, now, errMissingConfig), nil
	}

	met, evalErr := e.evaluate(ctx, enr, cfg)
	switch {
	case met:
		enr.AddHistory(step.ID, api.HistoryConditionTrue, now, nil)
		return stepResult{next: yesBranch(step), note: evalErr}, nil
	case !cfg.WaitForCondition:
		enr.AddHistory(step.ID, api.HistoryConditionFalse, now, nil)
		return stepResult{next: noBranch(step), note: evalErr}, nil
	}

	// A new wait cycle at this step supersedes any earlier one.
	if err := e.retryStore.ClearAttempts(ctx, enr.ID, step.ID); err != nil {
		return stepResult{}, err
	}
	enr.AddHistory(step.ID, api.HistoryConditionWaiting, now, nil)
	return stepResult{wait: true, note: evalErr}, nil
}

func (e *engineImpl) executeGoal(ctx context.Context, enr *api.Enrollment, step *api.Step, now time.Time) stepResult {
	cfg, _ := step.Config.(api.GoalConfig)

	var note error
	assignments, err := e.tests.ListAssignmentsForEnrollment(ctx, enr.ID)
	if err != nil {
		note = err
	}
	for _, a := range assignments {
		if err := e.abtests.RecordConversion(ctx, a.TestID, enr.ID, cfg.Value); err != nil {
			note = errors.Join(note, fmt.Errorf("test %s: %w", a.TestID, err))
		}
	}

	payload := map[string]string{}
	if cfg.Name != "" {
		payload["goal"] = cfg.Name
	}
	enr.AddHistory(step.ID, api.HistoryGoalReached, now, payload)
	return stepResult{next: step.Next, note: note}
}

// skip records a skipped step and continues with its next link.
func (e *engineImpl) skip(enr *api.Enrollment, step *api.Step, now time.Time, reason error) stepResult {
	enr.AddHistory(step.ID, api.HistoryStepSkipped, now, map[string]string{"reason": reason.Error()})
	return stepResult{next: step.Next, note: reason}
}

func (e *engineImpl) sleepUntil(enr *api.Enrollment, step *api.Step, until, now time.Time) stepResult {
	enr.AddHistory(step.ID, api.HistoryDelayScheduled, now, map[string]string{
		"until": until.UTC().Format(time.RFC3339),
	})
	return stepResult{next: step.Next, wake: &until}
}

// parkOverBudget suspends a chain that ran MaxHops steps in one call.
func (e *engineImpl) parkOverBudget(ctx context.Context, enr *api.Enrollment) error {
	now := e.now()
	wake := now.Add(e.cfg.HopBudgetBackoff)
	enr.NextActionAt = &wake
	enr.AddHistory(enr.CurrentStep, api.HistoryHopBudgetParked, now, map[string]string{
		"max_hops": fmt.Sprint(e.cfg.MaxHops),
	})
	if err := e.enrollments.UpdateEnrollment(ctx, enr); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "hop_budget_exceeded",
		"funnel_id", enr.FunnelID,
		"enrollment_id", enr.ID,
		"step", enr.CurrentStep,
		"error", api.ErrHopBudgetExceeded,
	)
	e.observer.OnSuspended(ctx, enr, api.SuspendHopBudget)
	return nil
}

// reschedule arms a wake time on an active enrollment whose chain failed,
// so a later tick retries the step instead of leaving the row stalled.
func (e *engineImpl) reschedule(ctx context.Context, enr *api.Enrollment, cause error) {
	if enr.Status != api.EnrollmentActive || enr.NextActionAt != nil {
		return
	}
	wake := e.now().Add(e.cfg.HopBudgetBackoff)
	enr.NextActionAt = &wake

	e.logger.WarnContext(ctx, "step_failed_rescheduled",
		"funnel_id", enr.FunnelID,
		"enrollment_id", enr.ID,
		"step", enr.CurrentStep,
		"wake_at", wake,
		"error", cause,
	)
	if err := e.enrollments.UpdateEnrollment(context.WithoutCancel(ctx), enr); err != nil {
		e.logger.ErrorContext(ctx, "reschedule_failed", "enrollment_id", enr.ID, "error", err)
	}
}

func yesBranch(step *api.Step) string {
	if step.NextYes != "" {
		return step.NextYes
	}
	return step.Next
}

func noBranch(step *api.Step) string {
	if step.NextNo != "" {
		return step.NextNo
	}
	return step.Next
}

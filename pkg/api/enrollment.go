package api

import (
	"errors"
	"fmt"
	"time"
)

// EnrollmentStatus represents the lifecycle state of an enrollment.
//
//	active <-> waiting_condition
//	active | waiting_condition -> completed | exited (terminal)
type EnrollmentStatus string

const (
	EnrollmentActive           EnrollmentStatus = "active"
	EnrollmentWaitingCondition EnrollmentStatus = "waiting_condition"
	EnrollmentCompleted        EnrollmentStatus = "completed"
	EnrollmentExited           EnrollmentStatus = "exited"
)

// IsTerminal reports whether no further processing will happen.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentExited
}

// History action labels written by the engine.
const (
	HistoryEnrolled         = "enrolled"
	HistoryStarted          = "started"
	HistoryEmailQueued      = "email_queued"
	HistoryStepSkipped      = "step_skipped"
	HistoryDelayScheduled   = "delay_scheduled"
	HistoryConditionTrue    = "condition_true"
	HistoryConditionFalse   = "condition_false"
	HistoryConditionWaiting = "condition_waiting"
	HistoryActionPerformed  = "action_performed"
	HistoryActionFailed     = "action_failed"
	HistorySplitAssigned    = "split_assigned"
	HistoryGoalReached      = "goal_reached"
	HistoryRetrySent        = "retry_sent"
	HistoryRetryExhausted   = "retry_exhausted"
	HistoryHopBudgetParked  = "hop_budget_parked"
	HistoryCompleted        = "completed"
	HistoryExited           = "exited"
)

// HistoryEntry is one append-only audit record of an enrollment.
type HistoryEntry struct {
	StepID  string            `json:"step_id,omitempty"`
	Action  string            `json:"action"`
	At      time.Time         `json:"at"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Enrollment tracks one subscriber's run through one funnel.
type Enrollment struct {
	ID           string
	FunnelID     string
	SubscriberID string
	Status       EnrollmentStatus

	// CurrentStep is empty iff Status is terminal.
	CurrentStep string
	// StepEnteredAt is when CurrentStep became current, or the wake time
	// for an enrollment sleeping towards it. Retry intervals and the
	// maximum wait are measured from it.
	StepEnteredAt time.Time

	StepsCompleted int
	History        []HistoryEntry

	EnrolledAt  time.Time
	CompletedAt *time.Time
	// NextActionAt is the wake time while sleeping on a delay. Nil means the
	// enrollment is not sleeping.
	NextActionAt *time.Time
}

// IsSleeping reports whether the enrollment is suspended on a timer.
func (e *Enrollment) IsSleeping() bool {
	return e.Status == EnrollmentActive && e.NextActionAt != nil
}

// IsSuspended reports whether synchronous processing must stop: the
// enrollment is sleeping, parked on a condition, or finished.
func (e *Enrollment) IsSuspended() bool {
	return e.IsSleeping() || e.Status == EnrollmentWaitingCondition || e.Status.IsTerminal()
}

// AddHistory appends an entry to the audit log.
func (e *Enrollment) AddHistory(stepID, action string, at time.Time, payload map[string]string) {
	e.History = append(e.History, HistoryEntry{
		StepID:  stepID,
		Action:  action,
		At:      at,
		Payload: payload,
	})
}

// EnterStep makes stepID current. An empty stepID finishes the enrollment
// as completed.
func (e *Enrollment) EnterStep(stepID string, at time.Time) {
	if stepID == "" {
		e.Finish(EnrollmentCompleted, at)
		return
	}
	e.CurrentStep = stepID
	e.StepEnteredAt = at
}

// Finish moves the enrollment into a terminal status.
func (e *Enrollment) Finish(status EnrollmentStatus, at time.Time) {
	e.Status = status
	e.CurrentStep = ""
	e.NextActionAt = nil
	t := at
	e.CompletedAt = &t
}

// ErrInvalidEnrollmentState is returned by Validate.
var ErrInvalidEnrollmentState = errors.New("invalid enrollment state")

// Validate checks the status/current-step invariant.
func (e *Enrollment) Validate() error {
	switch e.Status {
	case EnrollmentActive, EnrollmentWaitingCondition:
		if e.CurrentStep == "" {
			return fmt.Errorf("%w: %s enrollment %s has no current step", ErrInvalidEnrollmentState, e.Status, e.ID)
		}
	case EnrollmentCompleted, EnrollmentExited:
		if e.CurrentStep != "" {
			return fmt.Errorf("%w: %s enrollment %s still at step %s", ErrInvalidEnrollmentState, e.Status, e.ID, e.CurrentStep)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEnrollmentState, e.Status)
	}
	return nil
}

// Clone returns a deep copy, used by stores that hand out snapshots.
func (e *Enrollment) Clone() *Enrollment {
	if e == nil {
		return nil
	}
	c := *e
	if e.History != nil {
		c.History = make([]HistoryEntry, len(e.History))
		copy(c.History, e.History)
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.NextActionAt != nil {
		t := *e.NextActionAt
		c.NextActionAt = &t
	}
	return &c
}

// StepRetry is one reminder attempt of a waiting condition.
// AttemptNumber is strictly increasing per (EnrollmentID, StepID).
type StepRetry struct {
	EnrollmentID   string
	StepID         string
	AttemptNumber  int
	SentAt         time.Time
	ConditionMetAt *time.Time
}

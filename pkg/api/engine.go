package api

import (
	"context"
	"errors"
)

var (
	// ErrFunnelInactive is returned by operations that require an active funnel.
	ErrFunnelInactive = errors.New("funnel is not active")

	// ErrHopBudgetExceeded is reported to observers when a synchronous chain
	// is parked because it ran too many steps in one invocation.
	ErrHopBudgetExceeded = errors.New("hop budget exceeded")
)

// Engine is the funnel execution engine.
//
// EnrollSubscriber is called by trigger detectors; ProcessReadyEnrollments
// and ProcessWaitingEnrollments are called by an external scheduler at a
// fixed interval. All three are safe to call concurrently from several
// processes sharing one store.
type Engine interface {
	// RegisterFunnel stores (or replaces) a funnel and its steps.
	RegisterFunnel(ctx context.Context, f Funnel, steps []Step) error

	// SetFunnelStatus activates, pauses or drafts a funnel.
	SetFunnelStatus(ctx context.Context, funnelID string, status FunnelStatus) error

	// EnrollSubscriber creates an enrollment and runs it until it suspends
	// or terminates. It returns (nil, nil) when the funnel is not active,
	// and the existing enrollment when the subscriber already has an open
	// run in this funnel.
	EnrollSubscriber(ctx context.Context, funnelID, subscriberID string) (*Enrollment, error)

	// ProcessNextStep executes the enrollment's current step and keeps going
	// until the enrollment suspends or terminates.
	ProcessNextStep(ctx context.Context, enr *Enrollment) error

	// MoveToNextStep makes target current (completing the enrollment when
	// target is empty) and continues processing unless suspended.
	MoveToNextStep(ctx context.Context, enr *Enrollment, target string) error

	// ProcessReadyEnrollments wakes sleeping enrollments whose wake time
	// has passed. It returns the number of enrollments resumed.
	ProcessReadyEnrollments(ctx context.Context) (int, error)

	// ProcessWaitingEnrollments polls enrollments parked on a condition.
	// It returns the number of enrollments acted upon.
	ProcessWaitingEnrollments(ctx context.Context) (int, error)

	// GetEnrollment looks up an enrollment by id.
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)

	// TrackEvent records an open/click event against the enrollment's A/B
	// assignments.
	TrackEvent(ctx context.Context, enrollmentID, eventType string, data map[string]string) error

	// RecoverStalledEnrollments re-arms active enrollments that lost their
	// wake time because a batch crashed mid-run. It is intended to be
	// called on startup before schedulers run. It returns the number of
	// enrollments re-armed.
	RecoverStalledEnrollments(ctx context.Context) (int, error)
}

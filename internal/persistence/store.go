package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

var (
	// ErrFunnelNotFound is returned when a funnel is not found.
	ErrFunnelNotFound = errors.New("funnel not found")

	// ErrStepNotFound is returned when a step is not found in its funnel.
	ErrStepNotFound = errors.New("step not found")

	// ErrEnrollmentNotFound is returned when an enrollment is not found.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrTestNotFound is returned when no A/B test exists for a lookup.
	ErrTestNotFound = errors.New("ab test not found")

	// ErrTestExists is returned when a split step already has a test.
	ErrTestExists = errors.New("ab test already exists for step")

	// ErrAssignmentNotFound is returned when an enrollment has no
	// assignment in a test.
	ErrAssignmentNotFound = errors.New("ab assignment not found")

	// ErrAssignmentExists is returned when an enrollment is already
	// assigned to a variant of the test.
	ErrAssignmentExists = errors.New("ab assignment already exists")

	// ErrAttemptOutOfOrder is returned when a retry attempt number does not
	// increase over the last recorded attempt.
	ErrAttemptOutOfOrder = errors.New("retry attempt number must increase")
)

// FunnelStore holds funnel definitions and their step graphs.
type FunnelStore interface {
	// SaveFunnel inserts or replaces a funnel.
	SaveFunnel(ctx context.Context, f *api.Funnel) error
	GetFunnel(ctx context.Context, id string) (*api.Funnel, error)
	SetFunnelStatus(ctx context.Context, id string, status api.FunnelStatus) error

	// SaveSteps replaces the whole step graph of a funnel.
	SaveSteps(ctx context.Context, funnelID string, steps []api.Step) error
	GetStep(ctx context.Context, funnelID, stepID string) (*api.Step, error)
	// ListSteps returns the steps of a funnel ordered by Position.
	ListSteps(ctx context.Context, funnelID string) ([]api.Step, error)
}

// EnrollmentStore holds enrollments.
//
// ClaimReady is the only way batch callers pick up sleeping enrollments: it
// clears NextActionAt in the same statement that selects the rows, so a
// racing caller never sees the same enrollment as ready.
type EnrollmentStore interface {
	CreateEnrollment(ctx context.Context, e *api.Enrollment) error
	UpdateEnrollment(ctx context.Context, e *api.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*api.Enrollment, error)
	// FindOpenEnrollment returns the subscriber's non-terminal enrollment in
	// the funnel, or ErrEnrollmentNotFound.
	FindOpenEnrollment(ctx context.Context, funnelID, subscriberID string) (*api.Enrollment, error)

	// ClaimReady atomically takes up to limit active enrollments of active
	// funnels whose NextActionAt <= now, clearing their NextActionAt.
	ClaimReady(ctx context.Context, now time.Time, limit int) ([]*api.Enrollment, error)
	// ListWaiting returns up to limit waiting_condition enrollments of
	// active funnels, oldest step entry first.
	ListWaiting(ctx context.Context, limit int) ([]*api.Enrollment, error)
	// RearmStalled sets NextActionAt = at on active enrollments that have
	// neither a wake time nor a live lease. It returns the rows updated.
	RearmStalled(ctx context.Context, at time.Time) (int, error)
	// Rearm sets NextActionAt = at on one enrollment if it is still active
	// without a wake time, and reports whether it did.
	Rearm(ctx context.Context, enrollmentID string, at time.Time) (bool, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// enrollment. If it is leased by another owner and the lease has not
	// expired, it returns acquired=false, err=nil. Leases are re-entrant
	// for the same owner. Lease expiry is always judged on the wall clock,
	// whatever clock the caller schedules with.
	TryAcquireLease(ctx context.Context, enrollmentID, owner string, ttl time.Duration) (acquired bool, err error)
	// ReleaseLease releases a lease if it is owned by owner. It is idempotent.
	ReleaseLease(ctx context.Context, enrollmentID, owner string) error
}

// RetryStore holds reminder attempts of waiting conditions.
type RetryStore interface {
	// RecordAttempt stores an attempt. It fails with ErrAttemptOutOfOrder
	// unless AttemptNumber is greater than every stored attempt of the
	// same (enrollment, step).
	RecordAttempt(ctx context.Context, r api.StepRetry) error
	// ListAttempts returns attempts ordered by AttemptNumber.
	ListAttempts(ctx context.Context, enrollmentID, stepID string) ([]api.StepRetry, error)
	// MarkConditionMet stamps ConditionMetAt on the attempts of the pair.
	MarkConditionMet(ctx context.Context, enrollmentID, stepID string, at time.Time) error
	// ClearAttempts deletes the retry cycle of the pair.
	ClearAttempts(ctx context.Context, enrollmentID, stepID string) error
}

// ABTestStore holds A/B tests, their variants and assignments.
type ABTestStore interface {
	// CreateTest stores a test together with its variants. A split step has
	// at most one test; a second one fails (ErrTestExists on stores that can
	// detect it, a constraint error otherwise).
	CreateTest(ctx context.Context, t *api.ABTest, variants []api.Variant) error
	UpdateTest(ctx context.Context, t *api.ABTest) error
	GetTest(ctx context.Context, id string) (*api.ABTest, error)
	GetTestByStep(ctx context.Context, funnelID, stepID string) (*api.ABTest, error)
	// ListVariants returns the variants of a test ordered by Position.
	ListVariants(ctx context.Context, testID string) ([]api.Variant, error)

	// CreateAssignment stores an assignment and increments the variant's
	// enrollment counter. It fails with ErrAssignmentExists when the
	// enrollment is already assigned in the test.
	CreateAssignment(ctx context.Context, a *api.ABEnrollment) error
	GetAssignment(ctx context.Context, testID, enrollmentID string) (*api.ABEnrollment, error)
	ListAssignmentsForEnrollment(ctx context.Context, enrollmentID string) ([]api.ABEnrollment, error)
	MarkConverted(ctx context.Context, testID, enrollmentID string, value float64, at time.Time) error
	AppendABEvent(ctx context.Context, testID, enrollmentID string, ev api.ABEvent) error
	// VariantStats aggregates outcomes per variant, in variant order.
	VariantStats(ctx context.Context, testID string) ([]api.VariantStats, error)
}

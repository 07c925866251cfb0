package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/netsendo/funnel/internal/abtest"
	"github.com/netsendo/funnel/internal/persistence"
	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/api"
)

// DefaultGraphTTL is how long a loaded step graph is reused.
const DefaultGraphTTL = 30 * time.Second

// ErrEnrollmentBusy is returned when another caller holds the lease of an
// enrollment.
var ErrEnrollmentBusy = errors.New("enrollment is being processed elsewhere")

// engineImpl drives enrollments through funnel graphs.
type engineImpl struct {
	funnels     persistence.FunnelStore
	enrollments persistence.EnrollmentStore
	retryStore  persistence.RetryStore
	tests       persistence.ABTestStore

	queue    taskqueue.Queue
	collab   api.Collaborators
	observer api.Observer
	logger   *slog.Logger
	cfg      api.EngineConfig
	now      func() time.Time

	graphs  *graphRegistry
	abtests *abtest.Manager
	retries *RetryManager

	// owner prefixes the per-call lease tokens of this engine.
	owner string
}

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence
	// Queue receives fire-and-forget delivery tasks. Defaults to an
	// in-memory queue.
	Queue         taskqueue.Queue
	Collaborators api.Collaborators
	Observer      api.Observer
	Logger        *slog.Logger
	Settings      api.EngineConfig

	// Clock replaces time.Now, mainly for tests.
	Clock func() time.Time
	// Rand replaces the A/B variant draw; it must return a uniform integer
	// in [0, n).
	Rand func(n int) int
	// GraphTTL bounds how long step graphs are cached. Zero means
	// DefaultGraphTTL; negative disables caching.
	GraphTTL time.Duration
}

// InMemoryPersistence returns a fresh set of in-memory stores.
func InMemoryPersistence() persistence.Persistence {
	return persistence.FromStore(persistence.NewInMemoryStore())
}

// NewInMemoryEngine returns an engine backed entirely by memory.
func NewInMemoryEngine() api.Engine {
	return NewEngine(InMemoryPersistence())
}

// NewSQLiteEngine returns an engine persisting to a SQLite database. The
// Persistence field of cfg is replaced.
func NewSQLiteEngine(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.FromStore(store)
	return NewEngineWithConfig(cfg), nil
}

// NewPostgresEngine returns an engine persisting to PostgreSQL. The
// Persistence field of cfg is replaced.
func NewPostgresEngine(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.FromStore(store)
	return NewEngineWithConfig(cfg), nil
}

// NewEngine returns an engine over p with default settings.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	queue := cfg.Queue
	if queue == nil {
		queue = taskqueue.NewInMemoryQueue()
	}
	ttl := cfg.GraphTTL
	if ttl == 0 {
		ttl = DefaultGraphTTL
	}
	settings := cfg.Settings.WithDefaults()

	abOpts := []abtest.Option{
		abtest.WithObserver(obs),
		abtest.WithLogger(logger),
		abtest.WithClock(now),
	}
	if cfg.Rand != nil {
		abOpts = append(abOpts, abtest.WithRand(cfg.Rand))
	}

	e := &engineImpl{
		funnels:     cfg.Persistence.Funnels,
		enrollments: cfg.Persistence.Enrollments,
		retryStore:  cfg.Persistence.Retries,
		tests:       cfg.Persistence.Tests,
		queue:       queue,
		collab:      cfg.Collaborators,
		observer:    obs,
		logger:      logger,
		cfg:         settings,
		now:         now,
		graphs:      newGraphRegistry(cfg.Persistence.Funnels, ttl, now),
		abtests:     abtest.NewManager(cfg.Persistence.Tests, settings, abOpts...),
		owner:       "engine-" + uuid.NewString(),
	}
	e.retries = &RetryManager{e: e}
	return e
}

func (e *engineImpl) RegisterFunnel(ctx context.Context, f api.Funnel, steps []api.Step) error {
	if f.ID == "" {
		return errors.New("funnel id is required")
	}
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		steps[i].FunnelID = f.ID
		if err := steps[i].Validate(); err != nil {
			return fmt.Errorf("funnel %s: %w", f.ID, err)
		}
		if seen[steps[i].ID] {
			return fmt.Errorf("funnel %s: duplicate step id %q", f.ID, steps[i].ID)
		}
		seen[steps[i].ID] = true
	}

	now := e.now()
	if f.Status == "" {
		f.Status = api.FunnelDraft
	}
	if existing, err := e.funnels.GetFunnel(ctx, f.ID); err == nil {
		f.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, persistence.ErrFunnelNotFound) {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	if err := e.funnels.SaveFunnel(ctx, &f); err != nil {
		return err
	}
	if err := e.funnels.SaveSteps(ctx, f.ID, steps); err != nil {
		return err
	}
	e.graphs.Invalidate(f.ID)
	return nil
}

func (e *engineImpl) SetFunnelStatus(ctx context.Context, funnelID string, status api.FunnelStatus) error {
	switch status {
	case api.FunnelDraft, api.FunnelActive, api.FunnelPaused:
	default:
		return fmt.Errorf("unknown funnel status %q", status)
	}
	if err := e.funnels.SetFunnelStatus(ctx, funnelID, status); err != nil {
		return err
	}
	e.graphs.Invalidate(funnelID)
	return nil
}

func (e *engineImpl) EnrollSubscriber(ctx context.Context, funnelID, subscriberID string) (*api.Enrollment, error) {
	if subscriberID == "" {
		return nil, errors.New("subscriber id is required")
	}
	f, err := e.funnels.GetFunnel(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	if !f.IsActive() {
		return nil, nil
	}

	existing, err := e.enrollments.FindOpenEnrollment(ctx, funnelID, subscriberID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, persistence.ErrEnrollmentNotFound) {
		return nil, err
	}

	g, err := e.graphs.Get(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	if g.entry == "" {
		return nil, fmt.Errorf("funnel %s has no steps", funnelID)
	}

	now := e.now()
	enr := &api.Enrollment{
		ID:            uuid.NewString(),
		FunnelID:      funnelID,
		SubscriberID:  subscriberID,
		Status:        api.EnrollmentActive,
		CurrentStep:   g.entry,
		StepEnteredAt: now,
		EnrolledAt:    now,
	}
	enr.AddHistory(g.entry, api.HistoryEnrolled, now, nil)

	if err := e.enrollments.CreateEnrollment(ctx, enr); err != nil {
		return nil, err
	}
	e.observer.OnEnrolled(ctx, enr)

	err = e.withLease(ctx, enr, func() error {
		return e.drive(ctx, enr)
	})
	return enr, err
}

func (e *engineImpl) ProcessNextStep(ctx context.Context, enr *api.Enrollment) error {
	return e.withLease(ctx, enr, func() error {
		return e.drive(ctx, enr)
	})
}

func (e *engineImpl) MoveToNextStep(ctx context.Context, enr *api.Enrollment, target string) error {
	return e.withLease(ctx, enr, func() error {
		return e.moveAndDrive(ctx, enr, target)
	})
}

func (e *engineImpl) ProcessReadyEnrollments(ctx context.Context) (int, error) {
	claimed, err := e.enrollments.ClaimReady(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim ready enrollments: %w", err)
	}

	resumed := 0
	for _, enr := range claimed {
		if ctx.Err() != nil {
			// Claimed but unprocessed rows are re-armed by recovery.
			return resumed, ctx.Err()
		}
		err := e.withLease(ctx, enr, func() error {
			return e.drive(ctx, enr)
		})
		switch {
		case errors.Is(err, ErrEnrollmentBusy):
			// The claim cleared the wake time; put one back so the holder's
			// release does not strand the row.
			e.rearmBusy(ctx, enr)
			continue
		case err != nil:
			e.logger.WarnContext(ctx, "enrollment_resume_failed",
				"enrollment_id", enr.ID,
				"funnel_id", enr.FunnelID,
				"error", err,
			)
		}
		resumed++
	}
	return resumed, nil
}

func (e *engineImpl) ProcessWaitingEnrollments(ctx context.Context) (int, error) {
	return e.retries.ProcessWaitingEnrollments(ctx)
}

func (e *engineImpl) GetEnrollment(ctx context.Context, id string) (*api.Enrollment, error) {
	enr, err := e.enrollments.GetEnrollment(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrEnrollmentNotFound) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrEnrollmentNotFound, id)
		}
		return nil, err
	}
	return enr, nil
}

func (e *engineImpl) TrackEvent(ctx context.Context, enrollmentID, eventType string, data map[string]string) error {
	if _, err := e.GetEnrollment(ctx, enrollmentID); err != nil {
		return err
	}
	assignments, err := e.tests.ListAssignmentsForEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if err := e.abtests.RecordEvent(ctx, a.TestID, enrollmentID, eventType, data); err != nil {
			return fmt.Errorf("record %s event in test %s: %w", eventType, a.TestID, err)
		}
	}
	return nil
}

// RecoverStalledEnrollments re-arms active enrollments that have neither a
// wake time nor a live lease, so the next ProcessReadyEnrollments resumes
// them. Such rows are left behind by a batch that crashed or was cancelled
// between claiming and finishing a chain.
func (e *engineImpl) RecoverStalledEnrollments(ctx context.Context) (int, error) {
	n, err := e.enrollments.RearmStalled(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("rearm stalled enrollments: %w", err)
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "stalled_enrollments_rearmed", "count", n)
	}
	return n, nil
}

func (e *engineImpl) rearmBusy(ctx context.Context, enr *api.Enrollment) {
	wake := e.now().Add(e.cfg.HopBudgetBackoff)
	if _, err := e.enrollments.Rearm(context.WithoutCancel(ctx), enr.ID, wake); err != nil {
		e.logger.ErrorContext(ctx, "rearm_failed", "enrollment_id", enr.ID, "error", err)
	}
}

// withLease runs fn while holding the enrollment's lease. Every call uses
// its own token, so two goroutines of one engine exclude each other too.
func (e *engineImpl) withLease(ctx context.Context, enr *api.Enrollment, fn func() error) error {
	token := e.owner + "/" + uuid.NewString()
	ok, err := e.enrollments.TryAcquireLease(ctx, enr.ID, token, e.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("lease enrollment %s: %w", enr.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEnrollmentBusy, enr.ID)
	}
	defer func() {
		if err := e.enrollments.ReleaseLease(context.WithoutCancel(ctx), enr.ID, token); err != nil {
			e.logger.WarnContext(ctx, "lease_release_failed", "enrollment_id", enr.ID, "error", err)
		}
	}()
	return fn()
}

// moveAndDrive enters target (completing the enrollment when empty),
// persists, and keeps executing unless the enrollment is now suspended.
func (e *engineImpl) moveAndDrive(ctx context.Context, enr *api.Enrollment, target string) error {
	if enr.Status.IsTerminal() {
		return nil
	}
	now := e.now()
	enr.Status = api.EnrollmentActive
	enr.NextActionAt = nil
	e.enter(enr, enr.CurrentStep, target, now)
	if err := e.enrollments.UpdateEnrollment(ctx, enr); err != nil {
		return err
	}
	if enr.Status.IsTerminal() {
		e.observer.OnFinished(ctx, enr)
		return nil
	}
	return e.drive(ctx, enr)
}

// enter makes target current, or completes the enrollment when target is
// empty. fromStep labels the completion history entry.
func (e *engineImpl) enter(enr *api.Enrollment, fromStep, target string, now time.Time) {
	if target == "" {
		enr.AddHistory(fromStep, api.HistoryCompleted, now, nil)
	}
	enr.EnterStep(target, now)
}

// finish terminates the enrollment with status and records it.
func (e *engineImpl) finish(enr *api.Enrollment, stepID string, status api.EnrollmentStatus, now time.Time) {
	action := api.HistoryCompleted
	if status == api.EnrollmentExited {
		action = api.HistoryExited
	}
	enr.AddHistory(stepID, action, now, nil)
	enr.Finish(status, now)
}

package funnel

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/netsendo/funnel/internal/engine"
	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	EngineConfig         = api.EngineConfig
	Funnel               = api.Funnel
	FunnelStatus         = api.FunnelStatus
	Trigger              = api.Trigger
	Step                 = api.Step
	StepType             = api.StepType
	Enrollment           = api.Enrollment
	EnrollmentStatus     = api.EnrollmentStatus
	ConditionConfig      = api.ConditionConfig
	ActionConfig         = api.ActionConfig
	SplitConfig          = api.SplitConfig
	RetryPolicy          = api.RetryPolicy
	VariantLink          = api.VariantLink
	Collaborators        = api.Collaborators
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	FunnelDraft  = api.FunnelDraft
	FunnelActive = api.FunnelActive
	FunnelPaused = api.FunnelPaused

	EnrollmentActive           = api.EnrollmentActive
	EnrollmentWaitingCondition = api.EnrollmentWaitingCondition
	EnrollmentCompleted        = api.EnrollmentCompleted
	EnrollmentExited           = api.EnrollmentExited
)

// Option customizes an engine built by the constructors below.
type Option func(*engine.Config)

// WithObserver installs an observer for engine callbacks.
func WithObserver(obs Observer) Option {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithLogger sets the logger used for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = l }
}

// WithCollaborators connects the engine to the subscriber directory, the
// tracking store and the task system.
func WithCollaborators(cl Collaborators) Option {
	return func(c *engine.Config) { c.Collaborators = cl }
}

// WithSettings replaces the engine tunables. Zero fields keep their
// defaults.
func WithSettings(s EngineConfig) Option {
	return func(c *engine.Config) { c.Settings = s }
}

// WithQueue sets the queue delivery tasks are written to.
func WithQueue(q taskqueue.Queue) Option {
	return func(c *engine.Config) { c.Queue = q }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *engine.Config) { c.Clock = now }
}

func buildConfig(opts []Option) engine.Config {
	var cfg engine.Config
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts ...Option) Engine {
	cfg := buildConfig(opts)
	cfg.Persistence = engine.InMemoryPersistence()
	return engine.NewEngineWithConfig(cfg)
}

// NewSQLiteEngine returns an Engine that persists funnels, enrollments and
// A/B tests in a SQLite database.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	return engine.NewSQLiteEngine(db, buildConfig(opts))
}

// NewPostgresEngine returns an Engine that persists to PostgreSQL.
func NewPostgresEngine(db *sql.DB, opts ...Option) (Engine, error) {
	return engine.NewPostgresEngine(db, buildConfig(opts))
}

// Convenience helpers that just forward to the underlying Engine.

// Enroll enrolls a subscriber into a funnel.
func Enroll(ctx context.Context, eng Engine, funnelID, subscriberID string) (*Enrollment, error) {
	return eng.EnrollSubscriber(ctx, funnelID, subscriberID)
}

// TickResult counts what one Tick did.
type TickResult struct {
	Resumed int
	Waiting int
}

// Tick runs both scheduler entry points once: sleeping enrollments whose
// wake time has passed are resumed, then waiting conditions are polled.
// An error from the first entry point does not skip the second.
func Tick(ctx context.Context, eng Engine) (TickResult, error) {
	var res TickResult
	var err1, err2 error
	res.Resumed, err1 = eng.ProcessReadyEnrollments(ctx)
	res.Waiting, err2 = eng.ProcessWaitingEnrollments(ctx)
	return res, errors.Join(err1, err2)
}

// RecoverStalledEnrollments delegates to eng.RecoverStalledEnrollments.
//
// It is typically called on process startup before starting any schedulers:
//
//	count, err := funnel.RecoverStalledEnrollments(ctx, engine)
func RecoverStalledEnrollments(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStalledEnrollments(ctx)
}

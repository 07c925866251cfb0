package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the funnel engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay step execution.
type Observer interface {
	// OnEnrolled is called once when a new enrollment is created, before
	// its first step runs.
	OnEnrolled(ctx context.Context, enr *Enrollment)

	// OnStepStart is called before a step is executed.
	OnStepStart(ctx context.Context, enr *Enrollment, step *Step)

	// OnStepCompleted is called after a step has executed. err carries a
	// non-fatal problem (skipped config, failed action); the enrollment
	// still advances.
	OnStepCompleted(ctx context.Context, enr *Enrollment, step *Step, err error, duration time.Duration)

	// OnSuspended is called when a synchronous chain stops without
	// finishing: sleeping on a delay, parked on a condition, or parked by
	// the hop budget.
	OnSuspended(ctx context.Context, enr *Enrollment, reason string)

	// OnFinished is called when an enrollment reaches completed or exited.
	OnFinished(ctx context.Context, enr *Enrollment)

	// OnRetrySent is called after a condition reminder was dispatched.
	OnRetrySent(ctx context.Context, enr *Enrollment, stepID string, attempt int)

	// OnWinnerDeclared is called when an A/B test completes with a winner.
	OnWinnerDeclared(ctx context.Context, test *ABTest, winner *Variant, lift float64)
}

// Suspension reasons passed to Observer.OnSuspended.
const (
	SuspendDelay     = "delay"
	SuspendWaitUntil = "wait_until"
	SuspendCondition = "condition"
	SuspendHopBudget = "hop_budget"
)

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEnrolled(ctx context.Context, enr *Enrollment)             {}
func (NoopObserver) OnStepStart(ctx context.Context, enr *Enrollment, step *Step) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, enr *Enrollment, step *Step, err error, d time.Duration) {
}
func (NoopObserver) OnSuspended(ctx context.Context, enr *Enrollment, reason string)             {}
func (NoopObserver) OnFinished(ctx context.Context, enr *Enrollment)                             {}
func (NoopObserver) OnRetrySent(ctx context.Context, enr *Enrollment, stepID string, attempt int) {}
func (NoopObserver) OnWinnerDeclared(ctx context.Context, test *ABTest, winner *Variant, lift float64) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEnrolled(ctx context.Context, enr *Enrollment) {
	for _, o := range c.observers {
		o.OnEnrolled(ctx, enr)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, enr *Enrollment, step *Step) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, enr, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, enr *Enrollment, step *Step, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, enr, step, err, d)
	}
}

func (c *CompositeObserver) OnSuspended(ctx context.Context, enr *Enrollment, reason string) {
	for _, o := range c.observers {
		o.OnSuspended(ctx, enr, reason)
	}
}

func (c *CompositeObserver) OnFinished(ctx context.Context, enr *Enrollment) {
	for _, o := range c.observers {
		o.OnFinished(ctx, enr)
	}
}

func (c *CompositeObserver) OnRetrySent(ctx context.Context, enr *Enrollment, stepID string, attempt int) {
	for _, o := range c.observers {
		o.OnRetrySent(ctx, enr, stepID, attempt)
	}
}

func (c *CompositeObserver) OnWinnerDeclared(ctx context.Context, test *ABTest, winner *Variant, lift float64) {
	for _, o := range c.observers {
		o.OnWinnerDeclared(ctx, test, winner, lift)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs enrollment and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEnrolled(ctx context.Context, enr *Enrollment) {
	o.Logger.InfoContext(ctx, "enrollment_created",
		slog.String("funnel_id", enr.FunnelID),
		slog.String("enrollment_id", enr.ID),
		slog.String("subscriber_id", enr.SubscriberID),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, enr *Enrollment, step *Step) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("funnel_id", enr.FunnelID),
		slog.String("enrollment_id", enr.ID),
		slog.String("step", step.ID),
		slog.String("step_type", string(step.Type)),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, enr *Enrollment, step *Step, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("funnel_id", enr.FunnelID),
		slog.String("enrollment_id", enr.ID),
		slog.String("step", step.ID),
		slog.String("step_type", string(step.Type)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnSuspended(ctx context.Context, enr *Enrollment, reason string) {
	attrs := []any{
		slog.String("funnel_id", enr.FunnelID),
		slog.String("enrollment_id", enr.ID),
		slog.String("step", enr.CurrentStep),
		slog.String("reason", reason),
	}
	if enr.NextActionAt != nil {
		attrs = append(attrs, slog.Time("wake_at", *enr.NextActionAt))
	}
	o.Logger.DebugContext(ctx, "enrollment_suspended", attrs...)
}

func (o *LoggingObserver) OnFinished(ctx context.Context, enr *Enrollment) {
	o.Logger.InfoContext(ctx, "enrollment_finished",
		slog.String("funnel_id", enr.FunnelID),
		slog.String("enrollment_id", enr.ID),
		slog.String("status", string(enr.Status)),
		slog.Int("steps_completed", enr.StepsCompleted),
	)
}

func (o *LoggingObserver) OnRetrySent(ctx context.Context, enr *Enrollment, stepID string, attempt int) {
	o.Logger.InfoContext(ctx, "condition_retry_sent",
		slog.String("enrollment_id", enr.ID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnWinnerDeclared(ctx context.Context, test *ABTest, winner *Variant, lift float64) {
	o.Logger.InfoContext(ctx, "abtest_winner",
		slog.String("test_id", test.ID),
		slog.String("step", test.StepID),
		slog.String("variant", winner.Name),
		slog.Float64("lift_percent", lift),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	enrolled          atomic.Int64
	completed         atomic.Int64
	exited            atomic.Int64
	stepsExecuted     atomic.Int64
	stepErrors        atomic.Int64
	retriesSent       atomic.Int64
	winnersDeclared   atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Enrolled  int64
	Completed int64
	Exited    int64
	InFlight  int64

	StepsExecuted   int64
	StepErrors      int64
	RetriesSent     int64
	WinnersDeclared int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnEnrolled(ctx context.Context, enr *Enrollment) {
	m.enrolled.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, enr *Enrollment, step *Step, err error, d time.Duration) {
	m.stepsExecuted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
	if err != nil {
		m.stepErrors.Add(1)
	}
}

func (m *BasicMetrics) OnFinished(ctx context.Context, enr *Enrollment) {
	if enr.Status == EnrollmentExited {
		m.exited.Add(1)
		return
	}
	m.completed.Add(1)
}

func (m *BasicMetrics) OnRetrySent(ctx context.Context, enr *Enrollment, stepID string, attempt int) {
	m.retriesSent.Add(1)
}

func (m *BasicMetrics) OnWinnerDeclared(ctx context.Context, test *ABTest, winner *Variant, lift float64) {
	m.winnersDeclared.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	enrolled := m.enrolled.Load()
	completed := m.completed.Load()
	exited := m.exited.Load()
	steps := m.stepsExecuted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		Enrolled:        enrolled,
		Completed:       completed,
		Exited:          exited,
		InFlight:        enrolled - completed - exited,
		StepsExecuted:   steps,
		StepErrors:      m.stepErrors.Load(),
		RetriesSent:     m.retriesSent.Load(),
		WinnersDeclared: m.winnersDeclared.Load(),
		AvgStepDuration: avg,
	}
}

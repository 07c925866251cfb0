package api

import "time"

// EngineConfig holds the tunables of the execution engine, the retry
// manager and winner detection. Zero fields are replaced by the defaults
// below (see WithDefaults).
type EngineConfig struct {
	// BatchSize bounds the enrollments picked up by one batch call.
	BatchSize int
	// MaxHops bounds the steps executed synchronously in one invocation.
	// A chain that exceeds it is parked and resumed on a later tick.
	MaxHops int
	// HopBudgetBackoff is how long a parked chain sleeps.
	HopBudgetBackoff time.Duration
	// LeaseTTL bounds how long a batch caller may hold an enrollment.
	LeaseTTL time.Duration

	// MinVariantEnrollments is the minimum enrollments the leader and the
	// runner-up each need before a winner may be declared.
	MinVariantEnrollments int
	// MinLiftPercent is the relative improvement required to declare a winner.
	MinLiftPercent float64
	// DefaultSampleSize and DefaultMetric apply to tests created from split
	// steps that do not configure them.
	DefaultSampleSize int
	DefaultMetric     WinningMetric
	DefaultConfidence float64

	// MaxWaitDuration, when > 0, hands waiting enrollments older than this
	// to their exhaustion policy. Zero waits forever.
	MaxWaitDuration time.Duration
	// ExhaustAfterGrace gives the final reminder one retry interval to work
	// before the exhaustion policy applies. By default the policy applies on
	// the first poll after the last reminder.
	ExhaustAfterGrace bool
}

// Default values for EngineConfig.
const (
	DefaultBatchSize             = 100
	DefaultMaxHops               = 100
	DefaultHopBudgetBackoff      = time.Minute
	DefaultLeaseTTL              = 5 * time.Minute
	DefaultMinVariantEnrollments = 30
	DefaultMinLiftPercent        = 10.0
	DefaultTestSampleSize        = 100
	DefaultTestConfidence        = 0.95
)

// DefaultEngineConfig returns the documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{}.WithDefaults()
}

// WithDefaults fills zero fields with their defaults.
func (c EngineConfig) WithDefaults() EngineConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	if c.HopBudgetBackoff <= 0 {
		c.HopBudgetBackoff = DefaultHopBudgetBackoff
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.MinVariantEnrollments <= 0 {
		c.MinVariantEnrollments = DefaultMinVariantEnrollments
	}
	if c.MinLiftPercent <= 0 {
		c.MinLiftPercent = DefaultMinLiftPercent
	}
	if c.DefaultSampleSize <= 0 {
		c.DefaultSampleSize = DefaultTestSampleSize
	}
	if c.DefaultMetric == "" {
		c.DefaultMetric = MetricConversionRate
	}
	if c.DefaultConfidence <= 0 {
		c.DefaultConfidence = DefaultTestConfidence
	}
	return c
}

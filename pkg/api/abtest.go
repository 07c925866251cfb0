package api

import "time"

// TestStatus is the lifecycle of an A/B test: draft -> running -> completed.
type TestStatus string

const (
	TestDraft     TestStatus = "draft"
	TestRunning   TestStatus = "running"
	TestCompleted TestStatus = "completed"
)

// WinningMetric selects the rate compared across variants.
type WinningMetric string

const (
	MetricConversionRate WinningMetric = "conversion_rate"
	MetricClickRate      WinningMetric = "click_rate"
	MetricOpenRate       WinningMetric = "open_rate"
)

// A/B event types recorded on assignments.
const (
	ABEventOpen  = "open"
	ABEventClick = "click"
)

// ABTest is bound to exactly one split step.
type ABTest struct {
	ID              string
	FunnelID        string
	StepID          string
	Name            string
	Status          TestStatus
	SampleSize      int
	ConfidenceLevel float64
	Metric          WinningMetric
	WinnerVariantID string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// Variant is one arm of a test. Weights are relative and need not sum
// to 100.
type Variant struct {
	ID          string
	TestID      string
	Name        string
	Weight      int
	TargetStep  string
	Position    int
	Enrollments int
}

// ABEnrollment binds one enrollment to one variant of a test. There is at
// most one per (TestID, EnrollmentID).
type ABEnrollment struct {
	TestID          string
	VariantID       string
	EnrollmentID    string
	Converted       bool
	ConversionValue float64
	ConvertedAt     *time.Time
	AssignedAt      time.Time
	Events          []ABEvent
}

// ABEvent is an open/click (or custom) event logged against an assignment.
type ABEvent struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
	At   time.Time         `json:"at"`
}

// VariantStats aggregates assignment outcomes per variant. Opened and
// Clicked count assignments with at least one such event.
type VariantStats struct {
	VariantID  string
	Enrolled   int
	Converted  int
	Opened     int
	Clicked    int
	TotalValue float64
}

// Rate returns the variant's rate for metric m in [0, 1].
func (s VariantStats) Rate(m WinningMetric) float64 {
	if s.Enrolled == 0 {
		return 0
	}
	return float64(s.Successes(m)) / float64(s.Enrolled)
}

// Successes returns the numerator of Rate for metric m.
func (s VariantStats) Successes(m WinningMetric) int {
	switch m {
	case MetricClickRate:
		return s.Clicked
	case MetricOpenRate:
		return s.Opened
	default:
		return s.Converted
	}
}

// Package abtest assigns enrollments to weighted split-test variants,
// tracks their outcomes and declares a winner once one variant leads by a
// meaningful margin.
package abtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/netsendo/funnel/internal/persistence"
	"github.com/netsendo/funnel/pkg/api"
)

var (
	// ErrNotAssigned is returned when an enrollment has no variant in a test.
	ErrNotAssigned = errors.New("enrollment is not assigned in test")

	// ErrInvalidTransition is returned by Start on a test that is not draft.
	ErrInvalidTransition = errors.New("invalid test status transition")
)

// Params overrides the defaults of a new test.
type Params struct {
	Name            string
	SampleSize      int
	ConfidenceLevel float64
	Metric          api.WinningMetric
}

// Manager runs split tests against an ABTestStore.
type Manager struct {
	store    persistence.ABTestStore
	cfg      api.EngineConfig
	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
	intN     func(n int) int
}

// Option customizes a Manager.
type Option func(*Manager)

// WithObserver reports declared winners to obs.
func WithObserver(obs api.Observer) Option {
	return func(m *Manager) { m.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand replaces the source of variant draws. intN must return a
// uniform integer in [0, n).
func WithRand(intN func(n int) int) Option {
	return func(m *Manager) { m.intN = intN }
}

// NewManager creates a Manager.
func NewManager(store persistence.ABTestStore, cfg api.EngineConfig, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		cfg:      cfg.WithDefaults(),
		observer: api.NoopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
		intN:     rand.IntN,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateTest builds a draft test for a split step. Variants come from the
// step's variant links; without any, two 50/50 variants target NextYes and
// NextNo (falling back to Next).
func (m *Manager) CreateTest(ctx context.Context, step *api.Step, p Params) (*api.ABTest, []api.Variant, error) {
	if step.Type != api.StepSplit {
		return nil, nil, fmt.Errorf("step %s is %s, not a split step", step.ID, step.Type)
	}

	if cfg, ok := step.Config.(api.SplitConfig); ok {
		if p.SampleSize == 0 {
			p.SampleSize = cfg.SampleSize
		}
		if p.ConfidenceLevel == 0 {
			p.ConfidenceLevel = cfg.ConfidenceLevel
		}
		if p.Metric == "" {
			p.Metric = cfg.Metric
		}
	}
	if p.Name == "" {
		p.Name = step.Name
	}
	if p.Name == "" {
		p.Name = "split " + step.ID
	}
	if p.SampleSize <= 0 {
		p.SampleSize = m.cfg.DefaultSampleSize
	}
	if p.ConfidenceLevel <= 0 {
		p.ConfidenceLevel = m.cfg.DefaultConfidence
	}
	if p.Metric == "" {
		p.Metric = m.cfg.DefaultMetric
	}

	test := &api.ABTest{
		ID:              uuid.NewString(),
		FunnelID:        step.FunnelID,
		StepID:          step.ID,
		Name:            p.Name,
		Status:          api.TestDraft,
		SampleSize:      p.SampleSize,
		ConfidenceLevel: p.ConfidenceLevel,
		Metric:          p.Metric,
		CreatedAt:       m.now(),
	}

	links := step.Variants
	if len(links) == 0 {
		yes, no := step.NextYes, step.NextNo
		if yes == "" {
			yes = step.Next
		}
		if no == "" {
			no = step.Next
		}
		links = []api.VariantLink{
			{Name: "A", Weight: 50, Next: yes},
			{Name: "B", Weight: 50, Next: no},
		}
	}

	variants := make([]api.Variant, len(links))
	for i, l := range links {
		variants[i] = api.Variant{
			ID:         uuid.NewString(),
			TestID:     test.ID,
			Name:       l.Name,
			Weight:     l.Weight,
			TargetStep: l.Next,
			Position:   i,
		}
	}

	if err := m.store.CreateTest(ctx, test, variants); err != nil {
		return nil, nil, fmt.Errorf("create test for step %s: %w", step.ID, err)
	}
	return test, variants, nil
}

// Start moves a draft test to running.
func (m *Manager) Start(ctx context.Context, testID string) (*api.ABTest, error) {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != api.TestDraft {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, test.Status, api.TestRunning)
	}
	now := m.now()
	test.Status = api.TestRunning
	test.StartedAt = &now
	if err := m.store.UpdateTest(ctx, test); err != nil {
		return nil, err
	}
	return test, nil
}

// EnsureTest returns the test bound to a split step, creating and starting
// one from the step's configuration on first use.
func (m *Manager) EnsureTest(ctx context.Context, step *api.Step) (*api.ABTest, error) {
	test, err := m.store.GetTestByStep(ctx, step.FunnelID, step.ID)
	if err == nil {
		return test, nil
	}
	if !errors.Is(err, persistence.ErrTestNotFound) {
		return nil, err
	}

	created, _, createErr := m.CreateTest(ctx, step, Params{})
	if createErr != nil {
		// Lost a creation race: use the winner's test.
		if test, err := m.store.GetTestByStep(ctx, step.FunnelID, step.ID); err == nil {
			return test, nil
		}
		return nil, createErr
	}
	return m.Start(ctx, created.ID)
}

// EnrollInTest assigns an enrollment to a variant. An existing assignment
// is returned unchanged. A test that is not running assigns nothing and
// returns nil.
func (m *Manager) EnrollInTest(ctx context.Context, test *api.ABTest, enrollmentID string) (*api.Variant, error) {
	variants, err := m.store.ListVariants(ctx, test.ID)
	if err != nil {
		return nil, err
	}

	if v, err := m.assignedVariant(ctx, test.ID, enrollmentID, variants); err == nil {
		return v, nil
	} else if !errors.Is(err, ErrNotAssigned) {
		return nil, err
	}

	if test.Status != api.TestRunning || len(variants) == 0 {
		return nil, nil
	}

	chosen := m.pick(variants)
	err = m.store.CreateAssignment(ctx, &api.ABEnrollment{
		TestID:       test.ID,
		VariantID:    chosen.ID,
		EnrollmentID: enrollmentID,
		AssignedAt:   m.now(),
	})
	if errors.Is(err, persistence.ErrAssignmentExists) {
		return m.assignedVariant(ctx, test.ID, enrollmentID, variants)
	}
	if err != nil {
		return nil, fmt.Errorf("assign enrollment %s: %w", enrollmentID, err)
	}
	chosen.Enrollments++
	return &chosen, nil
}

// Route assigns an enrollment reaching a split step and returns the step it
// continues with. Once the step's test has completed, unassigned
// enrollments follow the winner; the step's Next is the last resort.
func (m *Manager) Route(ctx context.Context, step *api.Step, enrollmentID string) (string, *api.Variant, error) {
	test, err := m.EnsureTest(ctx, step)
	if err != nil {
		return "", nil, err
	}
	v, err := m.EnrollInTest(ctx, test, enrollmentID)
	if err != nil {
		return "", nil, err
	}
	if v == nil && test.WinnerVariantID != "" {
		variants, err := m.store.ListVariants(ctx, test.ID)
		if err != nil {
			return "", nil, err
		}
		for i := range variants {
			if variants[i].ID == test.WinnerVariantID {
				v = &variants[i]
				break
			}
		}
	}
	if v == nil || v.TargetStep == "" {
		return step.Next, v, nil
	}
	return v.TargetStep, v, nil
}

func (m *Manager) assignedVariant(ctx context.Context, testID, enrollmentID string, variants []api.Variant) (*api.Variant, error) {
	a, err := m.store.GetAssignment(ctx, testID, enrollmentID)
	if errors.Is(err, persistence.ErrAssignmentNotFound) {
		return nil, ErrNotAssigned
	}
	if err != nil {
		return nil, err
	}
	for i := range variants {
		if variants[i].ID == a.VariantID {
			v := variants[i]
			return &v, nil
		}
	}
	return nil, fmt.Errorf("variant %s of test %s not found", a.VariantID, testID)
}

// pick draws a variant: a uniform integer in [1, sum of weights] selects
// the first variant whose cumulative weight reaches it. All-zero weights
// fall back to a uniform pick.
func (m *Manager) pick(variants []api.Variant) api.Variant {
	total := 0
	for _, v := range variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return variants[m.intN(len(variants))]
	}

	draw := m.intN(total) + 1
	cum := 0
	for _, v := range variants {
		if v.Weight > 0 {
			cum += v.Weight
		}
		if cum >= draw {
			return v
		}
	}
	return variants[len(variants)-1]
}

// RecordConversion marks the enrollment's assignment converted and, once
// the test has reached its sample size, evaluates it for a winner.
func (m *Manager) RecordConversion(ctx context.Context, testID, enrollmentID string, value float64) error {
	if _, err := m.store.GetAssignment(ctx, testID, enrollmentID); err != nil {
		if errors.Is(err, persistence.ErrAssignmentNotFound) {
			return ErrNotAssigned
		}
		return err
	}
	if err := m.store.MarkConverted(ctx, testID, enrollmentID, value, m.now()); err != nil {
		return err
	}

	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status != api.TestRunning {
		return nil
	}
	stats, err := m.store.VariantStats(ctx, testID)
	if err != nil {
		return err
	}
	if !sampleReached(test, stats) {
		return nil
	}
	_, err = m.checkForWinner(ctx, test, stats)
	return err
}

// RecordEvent appends an open or click to the enrollment's assignment.
// Unassigned enrollments are ignored.
func (m *Manager) RecordEvent(ctx context.Context, testID, enrollmentID, eventType string, data map[string]string) error {
	err := m.store.AppendABEvent(ctx, testID, enrollmentID, api.ABEvent{Type: eventType, Data: data, At: m.now()})
	if errors.Is(err, persistence.ErrAssignmentNotFound) {
		return nil
	}
	return err
}

// CheckForWinner evaluates a running test that has reached its sample
// size. When a winner is found the test is completed and the winning
// variant returned; otherwise it returns nil and the test keeps running.
func (m *Manager) CheckForWinner(ctx context.Context, testID string) (*api.Variant, error) {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != api.TestRunning {
		return nil, nil
	}
	stats, err := m.store.VariantStats(ctx, testID)
	if err != nil {
		return nil, err
	}
	if !sampleReached(test, stats) {
		return nil, nil
	}
	return m.checkForWinner(ctx, test, stats)
}

func (m *Manager) checkForWinner(ctx context.Context, test *api.ABTest, stats []api.VariantStats) (*api.Variant, error) {
	if len(stats) < 2 {
		return nil, nil
	}

	cands := make([]Candidate, len(stats))
	for i, s := range stats {
		cands[i] = Candidate{VariantID: s.VariantID, Enrolled: s.Enrolled, Rate: s.Rate(test.Metric)}
	}
	d := PickWinner(cands, m.cfg.MinVariantEnrollments, m.cfg.MinLiftPercent)
	if !d.Declared() {
		return nil, nil
	}

	variants, err := m.store.ListVariants(ctx, test.ID)
	if err != nil {
		return nil, err
	}
	var winner *api.Variant
	for i := range variants {
		if variants[i].ID == cands[d.Winner].VariantID {
			winner = &variants[i]
			break
		}
	}
	if winner == nil {
		return nil, fmt.Errorf("winning variant %s not found", cands[d.Winner].VariantID)
	}

	now := m.now()
	test.Status = api.TestCompleted
	test.WinnerVariantID = winner.ID
	test.CompletedAt = &now
	if err := m.store.UpdateTest(ctx, test); err != nil {
		return nil, err
	}

	m.logger.Info("abtest_winner_declared",
		"test_id", test.ID,
		"variant", winner.Name,
		"lift_percent", d.Lift,
	)
	m.observer.OnWinnerDeclared(ctx, test, winner, d.Lift)
	return winner, nil
}

func sampleReached(test *api.ABTest, stats []api.VariantStats) bool {
	total := 0
	for _, s := range stats {
		total += s.Enrolled
	}
	return total >= test.SampleSize
}

package abtest

import (
	"context"

	"github.com/netsendo/funnel/pkg/api"
)

// VariantReport is one variant's line in a Report.
type VariantReport struct {
	Variant api.Variant
	Stats   api.VariantStats
	Rate    float64
	Lower   float64
	Upper   float64
}

// Report summarizes a test for operators. It does not change the test.
type Report struct {
	Test     *api.ABTest
	Variants []VariantReport

	// Leader and RunnerUp index Variants; -1 with fewer than two variants.
	Leader   int
	RunnerUp int
	Lift     float64
	// Confidence is the z-test confidence that the leader beats the
	// runner-up. Confident is set when it reaches the test's level.
	Confidence float64
	Confident  bool
	// WouldDeclare reports whether CheckForWinner would pick the leader now,
	// ignoring the sample size.
	WouldDeclare bool
}

// Analyze computes per-variant rates with Wilson intervals and compares the
// leader with the runner-up.
func (m *Manager) Analyze(ctx context.Context, testID string) (*Report, error) {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	variants, err := m.store.ListVariants(ctx, testID)
	if err != nil {
		return nil, err
	}
	stats, err := m.store.VariantStats(ctx, testID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]api.VariantStats, len(stats))
	for _, s := range stats {
		byID[s.VariantID] = s
	}

	r := &Report{Test: test, Leader: -1, RunnerUp: -1}
	cands := make([]Candidate, len(variants))
	for i, v := range variants {
		s := byID[v.ID]
		s.VariantID = v.ID
		rate := s.Rate(test.Metric)
		lo, hi := wilsonInterval(s.Successes(test.Metric), s.Enrolled, test.ConfidenceLevel)
		r.Variants = append(r.Variants, VariantReport{Variant: v, Stats: s, Rate: rate, Lower: lo, Upper: hi})
		cands[i] = Candidate{VariantID: v.ID, Enrolled: s.Enrolled, Rate: rate}
	}

	d := PickWinner(cands, m.cfg.MinVariantEnrollments, m.cfg.MinLiftPercent)
	r.Leader, r.RunnerUp, r.Lift = d.Leader, d.RunnerUp, d.Lift
	r.WouldDeclare = d.Declared()
	if d.Leader >= 0 {
		l, u := r.Variants[d.Leader].Stats, r.Variants[d.RunnerUp].Stats
		r.Confidence = significance(
			l.Successes(test.Metric), l.Enrolled,
			u.Successes(test.Metric), u.Enrolled,
		)
		r.Confident = r.Confidence >= test.ConfidenceLevel
	}
	return r, nil
}

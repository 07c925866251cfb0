package abtest

import "sort"

// liftTolerance absorbs float rounding, so a leader at exactly the
// required multiple of the runner-up still qualifies.
const liftTolerance = 1e-9

// Candidate is one variant's standing for winner detection.
type Candidate struct {
	VariantID string
	Enrolled  int
	Rate      float64
}

// Decision is the outcome of PickWinner.
type Decision struct {
	// Winner indexes the winning candidate, or -1.
	Winner   int
	Leader   int
	RunnerUp int
	Lift     float64
}

// Declared reports whether a winner was found.
func (d Decision) Declared() bool { return d.Winner >= 0 }

// PickWinner ranks candidates by rate and declares the leader the winner
// when both leader and runner-up have at least minEnrollments and the
// leader's lift over the runner-up is at least minLiftPercent.
//
// Lift is (leader - runnerUp) / runnerUp * 100, or 100 when the runner-up
// rate is zero and the leader's is not. Ties keep input order.
func PickWinner(cands []Candidate, minEnrollments int, minLiftPercent float64) Decision {
	d := Decision{Winner: -1, Leader: -1, RunnerUp: -1}
	if len(cands) < 2 {
		return d
	}

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return cands[order[a]].Rate > cands[order[b]].Rate })

	d.Leader, d.RunnerUp = order[0], order[1]
	leader, runnerUp := cands[d.Leader], cands[d.RunnerUp]

	switch {
	case runnerUp.Rate > 0:
		d.Lift = (leader.Rate - runnerUp.Rate) / runnerUp.Rate * 100
	case leader.Rate > 0:
		d.Lift = 100
	}

	if leader.Enrolled < minEnrollments || runnerUp.Enrolled < minEnrollments {
		return d
	}
	if d.Lift+liftTolerance >= minLiftPercent && leader.Rate > runnerUp.Rate {
		d.Winner = d.Leader
	}
	return d
}

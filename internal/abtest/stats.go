package abtest

import "math"

// wilsonInterval returns the Wilson score interval for a binomial
// proportion. It behaves better than the normal approximation on the small
// samples a young split test has.
func wilsonInterval(successes, trials int, confidence float64) (lower, upper float64) {
	if trials == 0 {
		return 0, 0
	}

	z := zScore(confidence)
	p := float64(successes) / float64(trials)
	n := float64(trials)

	denom := 1 + z*z/n
	center := (p + z*z/(2*n)) / denom
	spread := (z / denom) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	return math.Max(0, center-spread), math.Min(1, center+spread)
}

// zScore returns the two-sided critical value for a confidence level.
func zScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.576
	case confidence >= 0.95:
		return 1.96
	case confidence >= 0.90:
		return 1.645
	case confidence >= 0.85:
		return 1.44
	default:
		return 1.28
	}
}

// significance runs a two-proportion z-test and returns the confidence
// (0..1) that a beats b. Missing data on either side yields 0.5.
func significance(aSucc, aTrials, bSucc, bTrials int) float64 {
	if aTrials == 0 || bTrials == 0 {
		return 0.5
	}

	pA := float64(aSucc) / float64(aTrials)
	pB := float64(bSucc) / float64(bTrials)
	pooled := float64(aSucc+bSucc) / float64(aTrials+bTrials)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(aTrials) + 1/float64(bTrials)))
	if se == 0 {
		switch {
		case pA > pB:
			return 1
		case pA < pB:
			return 0
		default:
			return 0.5
		}
	}
	return normalCDF((pA - pB) / se)
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

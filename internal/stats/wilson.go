package stats

import "math"

// DefaultConfidence is the confidence level used when none is configured.
const DefaultConfidence = 0.95

// ZScore returns the two-sided standard normal quantile for confidence
// level c in (0,1), e.g. 1.95996 for 0.95.
func ZScore(c float64) float64 {
	return math.Sqrt2 * math.Erfinv(c)
}

// WilsonLowerBound returns the lower end of the Wilson score interval for
// hits successes out of n trials, clamped to [0,1]. n == 0 yields 0.
func WilsonLowerBound(hits, n int, confidence float64) float64 {
	if n <= 0 {
		return 0
	}
	z := ZScore(confidence)
	nf := float64(n)
	p := float64(hits) / nf
	z2 := z * z

	denom := 1 + z2/nf
	center := p + z2/(2*nf)
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	return math.Max(0, math.Min(1, (center-margin)/denom))
}

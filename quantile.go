package taskloop

import (
	"sort"
)

// quantileEstimator implements the P-Square streaming quantile algorithm:
// O(1) per observation, O(1) retrieval, five markers of state.
//
// Reference:
// Jain, R. and Chlamtac, I. (1985). "The P² Algorithm for Dynamic Calculation
// of Quantiles and Histograms Without Storing Observations". Communications
// of the ACM, 28(10), pp. 1076-1085.
//
// Not safe for concurrent use; the caller synchronizes.
type quantileEstimator struct {
	// p is the target quantile in [0, 1].
	p float64

	// q holds the marker heights, n the actual marker positions, np the
	// desired positions, and dn the per-observation increments of np.
	q  [5]float64
	n  [5]int
	np [5]float64
	dn [5]float64

	// count is the total number of observations; the first five seed the
	// markers via seed.
	count int
}

func newQuantileEstimator(p float64) *quantileEstimator {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	return &quantileEstimator{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// Observe adds an observation.
func (e *quantileEstimator) Observe(x float64) {
	if e.count < 5 {
		e.q[e.count] = x
		e.count++
		if e.count == 5 {
			e.seed()
		}
		return
	}
	e.count++

	// Locate the cell k with q[k] <= x < q[k+1], extending the extremes.
	var k int
	switch {
	case x < e.q[0]:
		e.q[0] = x
		k = 0
	case x >= e.q[4]:
		e.q[4] = x
		k = 3
	default:
		for k = 0; k < 3; k++ {
			if x < e.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.n[i]++
	}
	for i := range e.np {
		e.np[i] += e.dn[i]
	}

	// Nudge interior markers toward their desired positions.
	for i := 1; i < 4; i++ {
		d := e.np[i] - float64(e.n[i])
		if (d >= 1 && e.n[i+1]-e.n[i] > 1) || (d <= -1 && e.n[i-1]-e.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			if h := e.parabolic(i, sign); e.q[i-1] < h && h < e.q[i+1] {
				e.q[i] = h
			} else {
				e.q[i] = e.linear(i, sign)
			}
			e.n[i] += sign
		}
	}
}

// seed orders the first five observations and establishes the markers.
func (e *quantileEstimator) seed() {
	sort.Float64s(e.q[:])
	for i := range e.n {
		e.n[i] = i
	}
	e.np = [5]float64{0, 2 * e.p, 4 * e.p, 2 + 2*e.p, 4}
}

// parabolic is the P-Square piecewise-parabolic height adjustment.
func (e *quantileEstimator) parabolic(i, d int) float64 {
	df := float64(d)
	ni, lo, hi := float64(e.n[i]), float64(e.n[i-1]), float64(e.n[i+1])
	up := (ni - lo + df) * (e.q[i+1] - e.q[i]) / (hi - ni)
	down := (hi - ni - df) * (e.q[i] - e.q[i-1]) / (ni - lo)
	return e.q[i] + df/(hi-lo)*(up+down)
}

// linear is the fallback height adjustment when the parabolic estimate
// escapes the neighboring markers.
func (e *quantileEstimator) linear(i, d int) float64 {
	if d == 1 {
		return e.q[i] + (e.q[i+1]-e.q[i])/float64(e.n[i+1]-e.n[i])
	}
	return e.q[i] - (e.q[i]-e.q[i-1])/float64(e.n[i]-e.n[i-1])
}

// Quantile returns the current estimate. With fewer than five observations
// it falls back to the nearest-rank value of what has been seen.
func (e *quantileEstimator) Quantile() float64 {
	switch {
	case e.count == 0:
		return 0
	case e.count < 5:
		sorted := make([]float64, e.count)
		copy(sorted, e.q[:e.count])
		sort.Float64s(sorted)
		i := int(float64(e.count-1) * e.p)
		return sorted[i]
	default:
		return e.q[2]
	}
}

package taskloop

import (
	"math"
	"math/rand"
	"testing"
)

func TestQuantileEstimator_FewObservations(t *testing.T) {
	est := newQuantileEstimator(0.50)
	if got := est.Quantile(); got != 0 {
		t.Fatalf("empty estimator = %v", got)
	}

	for _, x := range []float64{30, 10, 20} {
		est.Observe(x)
	}
	// Below the five-marker threshold the estimate is a nearest-rank pick
	// from the sorted observations.
	if got := est.Quantile(); got != 20 {
		t.Fatalf("median of {10,20,30} = %v", got)
	}
}

func TestQuantileEstimator_UniformMedian(t *testing.T) {
	est := newQuantileEstimator(0.50)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		est.Observe(rng.Float64() * 1000)
	}
	got := est.Quantile()
	if math.Abs(got-500) > 50 {
		t.Fatalf("P50 of uniform [0,1000) = %v, want ~500", got)
	}
}

func TestQuantileEstimator_UniformTail(t *testing.T) {
	est := newQuantileEstimator(0.99)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10000; i++ {
		est.Observe(rng.Float64() * 1000)
	}
	got := est.Quantile()
	if got < 950 || got > 1000 {
		t.Fatalf("P99 of uniform [0,1000) = %v, want within [950, 1000]", got)
	}
}

func TestQuantileEstimator_Monotone(t *testing.T) {
	p50 := newQuantileEstimator(0.50)
	p90 := newQuantileEstimator(0.90)
	p99 := newQuantileEstimator(0.99)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		x := rng.ExpFloat64() * 10
		p50.Observe(x)
		p90.Observe(x)
		p99.Observe(x)
	}
	if !(p50.Quantile() <= p90.Quantile() && p90.Quantile() <= p99.Quantile()) {
		t.Fatalf("percentiles not monotone: p50=%v p90=%v p99=%v",
			p50.Quantile(), p90.Quantile(), p99.Quantile())
	}
}

func TestQuantileEstimator_ConstantStream(t *testing.T) {
	est := newQuantileEstimator(0.90)
	for i := 0; i < 1000; i++ {
		est.Observe(42)
	}
	if got := est.Quantile(); got != 42 {
		t.Fatalf("P90 of constant stream = %v", got)
	}
}

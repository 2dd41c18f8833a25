package fusion

// varianceAccumulator tracks an exponentially weighted mean and variance.
// The first observation seeds the mean with zero variance. Non-finite
// observations are ignored.
type varianceAccumulator struct {
	decay    float64
	mean     float64
	variance float64
	started  bool
}

func newVarianceAccumulator(decay float64) varianceAccumulator {
	return varianceAccumulator{decay: decay}
}

func (a *varianceAccumulator) observe(x float64) {
	if !isFinite(x) {
		return
	}
	if !a.started {
		a.mean, a.variance, a.started = x, 0, true
		return
	}
	d := x - a.mean
	dm := (1 - a.decay) * d

	a.mean += dm
	a.variance = a.decay * (a.variance + dm*d)
}

func (a *varianceAccumulator) reset() {
	*a = varianceAccumulator{decay: a.decay}
}

package fusion

import (
	"math"
	"time"

	"github.com/banshee-data/trackerbridge/internal/config"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Sample is one raw inertial reading in the device body frame.
type Sample struct {
	Time   time.Time
	Gyro   r3.Vec // rad/s
	Accel  r3.Vec // m/s², specific force (reads +g on the up axis at rest)
	Mag    r3.Vec // any unit; only direction and norm stability matter
	HasMag bool
}

// Estimate is the filter state exposed to callers. Q rotates body-frame
// vectors into the world frame (z up).
type Estimate struct {
	Q    quat.Number
	Bias r3.Vec // rad/s
}

// Stats counts how samples were handled. Counters are cumulative and
// survive Reset.
type Stats struct {
	Accepted      uint64
	Dropped       uint64 // zero, duplicate or non-monotonic timestamps
	Gaps          uint64 // steps longer than MaxStep that re-baselined time
	Anomalies     uint64 // non-finite samples plus rolled-back updates
	AccelRejected uint64
	MagRejected   uint64
}

// Config holds filter tuning.
type Config struct {
	Kp                  float64 // proportional correction gain
	Ki                  float64 // bias integral gain
	Gravity             float64 // m/s²
	AccelRejectRatio    float64 // skip accel correction when ||a|-g|/g exceeds this
	AccelVarianceGate   float64 // skip accel correction when norm variance exceeds this
	AccelNoiseReference float64 // variance at which accel gain is halved
	MagRejectRatio      float64 // skip mag correction when the norm strays this far from its mean
	VarianceDecay       float64
	MaxStep             time.Duration
	MaxBias             float64 // rad/s
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return ConfigFromBridge(config.EmptyBridgeConfig())
}

// ConfigFromBridge builds filter tuning from the bridge configuration.
func ConfigFromBridge(cfg *config.BridgeConfig) Config {
	return Config{
		Kp:                  cfg.GetFilterKp(),
		Ki:                  cfg.GetFilterKi(),
		Gravity:             cfg.GetGravity(),
		AccelRejectRatio:    cfg.GetAccelRejectRatio(),
		AccelVarianceGate:   cfg.GetAccelVarianceGate(),
		AccelNoiseReference: cfg.GetAccelNoiseReference(),
		MagRejectRatio:      cfg.GetMagRejectRatio(),
		VarianceDecay:       cfg.GetVarianceDecay(),
		MaxStep:             cfg.GetMaxFilterStep(),
		MaxBias:             cfg.GetMaxGyroBias(),
	}
}

// Filter is a single-device orientation estimator. It is not safe for
// concurrent use; each device session owns exactly one.
type Filter struct {
	cfg Config

	est         Estimate
	initialised bool
	last        time.Time

	accelNorm varianceAccumulator
	magNorm   varianceAccumulator

	stats Stats
}

var identity = quat.Number{Real: 1}

// New returns a filter at the identity orientation.
func New(cfg Config) *Filter {
	return &Filter{
		cfg:       cfg,
		est:       Estimate{Q: identity},
		accelNorm: newVarianceAccumulator(cfg.VarianceDecay),
		magNorm:   newVarianceAccumulator(cfg.VarianceDecay),
	}
}

// Estimate returns the current orientation and bias.
func (f *Filter) Estimate() Estimate { return f.est }

// Stats returns the sample handling counters.
func (f *Filter) Stats() Stats { return f.stats }

// Reset returns the filter to its initial state. The next usable sample
// re-seeds orientation from gravity.
func (f *Filter) Reset() {
	f.est = Estimate{Q: identity}
	f.initialised = false
	f.last = time.Time{}
	f.accelNorm.reset()
	f.magNorm.reset()
}

// Push integrates one sample. Samples with non-finite components or unusable
// timestamps are counted and dropped without touching the estimate.
func (f *Filter) Push(s Sample) {
	if !finiteSample(s) {
		f.stats.Anomalies++
		return
	}
	if s.Time.IsZero() {
		f.stats.Dropped++
		return
	}

	if !f.initialised {
		an := r3.Norm(s.Accel)
		if an == 0 {
			f.stats.Dropped++
			return
		}
		f.est.Q = tiltFromGravity(r3.Scale(1/an, s.Accel))
		f.accelNorm.observe(an)
		if s.HasMag {
			f.magNorm.observe(r3.Norm(s.Mag))
		}
		f.initialised = true
		f.last = s.Time
		f.stats.Accepted++
		return
	}

	if !s.Time.After(f.last) {
		f.stats.Dropped++
		return
	}
	dt := s.Time.Sub(f.last)
	f.last = s.Time
	if dt > f.cfg.MaxStep {
		f.stats.Gaps++
		return
	}

	prev, prevStats := f.est, f.stats
	prevAccel, prevMag := f.accelNorm, f.magNorm
	f.update(s, dt.Seconds())
	if !f.validState() {
		// Undo everything the sample fed in, including the gain statistics.
		f.est, f.stats = prev, prevStats
		f.accelNorm, f.magNorm = prevAccel, prevMag
		f.stats.Anomalies++
		return
	}
	f.stats.Accepted++
}

func (f *Filter) update(s Sample, dt float64) {
	q := f.est.Q
	var e r3.Vec

	an := r3.Norm(s.Accel)
	f.accelNorm.observe(an)
	if f.accelUsable(an) {
		a := r3.Scale(1/an, s.Accel)
		v := r3.Rotation(quat.Conj(q)).Rotate(r3.Vec{Z: 1})
		gain := 1 / (1 + f.accelNorm.variance/f.cfg.AccelNoiseReference)
		e = r3.Add(e, r3.Scale(gain, r3.Cross(a, v)))
	} else {
		f.stats.AccelRejected++
	}

	if s.HasMag {
		if em, ok := f.magError(q, s.Mag); ok {
			e = r3.Add(e, em)
		} else {
			f.stats.MagRejected++
		}
	}

	if f.cfg.Ki > 0 {
		f.est.Bias = clampNorm(r3.Sub(f.est.Bias, r3.Scale(f.cfg.Ki*dt, e)), f.cfg.MaxBias)
	}
	omega := r3.Add(r3.Sub(s.Gyro, f.est.Bias), r3.Scale(f.cfg.Kp, e))

	half := r3.Scale(0.5*dt, omega)
	q = quat.Mul(q, quat.Exp(quat.Number{Imag: half.X, Jmag: half.Y, Kmag: half.Z}))
	f.est.Q = normalize(q)
}

func (f *Filter) accelUsable(norm float64) bool {
	if norm == 0 {
		return false
	}
	g := f.cfg.Gravity
	if math.Abs(norm-g)/g > f.cfg.AccelRejectRatio {
		return false
	}
	return f.accelNorm.variance <= f.cfg.AccelVarianceGate
}

// magError returns the horizontal heading error from a magnetometer reading.
// The reading is rejected while its norm strays from the running mean.
func (f *Filter) magError(q quat.Number, m r3.Vec) (r3.Vec, bool) {
	mn := r3.Norm(m)
	if mn == 0 {
		return r3.Vec{}, false
	}
	acc := &f.magNorm
	if acc.started && math.Abs(mn-acc.mean)/acc.mean > f.cfg.MagRejectRatio {
		acc.observe(mn)
		return r3.Vec{}, false
	}
	acc.observe(mn)

	m = r3.Scale(1/mn, m)
	h := r3.Rotation(q).Rotate(m)
	b := r3.Vec{X: math.Hypot(h.X, h.Y), Z: h.Z}
	w := r3.Rotation(quat.Conj(q)).Rotate(b)

	ref := f.cfg.MagRejectRatio * acc.mean
	gain := 1.0
	if ref > 0 {
		gain = 1 / (1 + acc.variance/(ref*ref))
	}
	return r3.Scale(gain, r3.Cross(m, w)), true
}

func (f *Filter) validState() bool {
	q := f.est.Q
	if quat.IsNaN(q) || quat.IsInf(q) {
		return false
	}
	if math.Abs(quat.Abs(q)-1) > 1e-6 {
		return false
	}
	return finiteVec(f.est.Bias)
}

// tiltFromGravity returns the shortest rotation taking the unit body-frame
// gravity reading a onto world up. Yaw is left at zero.
func tiltFromGravity(a r3.Vec) quat.Number {
	up := r3.Vec{Z: 1}
	d := r3.Dot(a, up)
	if d < -1+1e-9 {
		return quat.Number{Imag: 1} // upside down: half turn about x
	}
	c := r3.Cross(a, up)
	return normalize(quat.Number{Real: 1 + d, Imag: c.X, Jmag: c.Y, Kmag: c.Z})
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: math.NaN()}
	}
	return quat.Scale(1/n, q)
}

func clampNorm(v r3.Vec, limit float64) r3.Vec {
	n := r3.Norm(v)
	if n <= limit || n == 0 {
		return v
	}
	return r3.Scale(limit/n, v)
}

func finiteSample(s Sample) bool {
	if !finiteVec(s.Gyro) || !finiteVec(s.Accel) {
		return false
	}
	return !s.HasMag || finiteVec(s.Mag)
}

func finiteVec(v r3.Vec) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Package device owns the per-controller side of the pipeline: identity,
// hardware geometry, the orientation filter and the latest snapshot.
package device

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackerbridge/internal/fusion"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Sample is one raw inertial reading in the controller's native axes.
type Sample = fusion.Sample

// UnknownBattery marks a snapshot taken before any battery level was set.
const UnknownBattery = -1.0

// Snapshot is an immutable, internally consistent view of a session.
type Snapshot struct {
	Identity    Identity
	Rotation    quat.Number // filter orientation with the mount rotation applied
	LinearAccel r3.Vec      // gravity removed, rotated by the mount angle, m/s²
	Battery     float64     // [0, 1] or UnknownBattery
	SampleTime  time.Time
	Seq         uint64
	Anomalies   uint64
}

// SessionConfig holds the per-device settings resolved at bind time.
type SessionConfig struct {
	Filter fusion.Config
	// SnapshotInterval is the minimum sample-time spacing between published
	// snapshots. Zero publishes on every sample.
	SnapshotInterval time.Duration
	DeviceTimeout    time.Duration
	MountRotationDeg float64
}

// Session mediates between one sample source and the session manager.
//
// OnSample is called only by the device's reader goroutine; every other
// method is called by the manager goroutine. The two sides share nothing but
// atomics, so neither blocks the other.
type Session struct {
	id    Identity
	cfg   SessionConfig
	clock timeutil.Clock
	mount quat.Number

	// Reader goroutine state.
	filter        *fusion.Filter
	lastPublished time.Time
	seq           uint64

	slot          atomic.Pointer[Snapshot]
	battery       atomic.Uint64 // math.Float64bits
	lastSampleAt  atomic.Int64  // clock nanos
	disconnected  atomic.Bool
	resetPending  atomic.Bool
	filterAnomaly atomic.Uint64
}

// NewSession creates a session for id. Liveness is measured from creation
// until the first sample arrives.
func NewSession(id Identity, cfg SessionConfig, clock timeutil.Clock) *Session {
	s := &Session{
		id:     id,
		cfg:    cfg,
		clock:  clock,
		mount:  MountRotation(cfg.MountRotationDeg),
		filter: fusion.New(cfg.Filter),
	}
	s.battery.Store(math.Float64bits(UnknownBattery))
	s.lastSampleAt.Store(clock.Now().UnixNano())
	return s
}

// MountRotation returns the rotation of deg degrees about the vertical axis.
func MountRotation(deg float64) quat.Number {
	if deg == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Number(r3.NewRotation(deg*math.Pi/180, r3.Vec{Z: 1}))
}

// Identity returns the bound identity.
func (s *Session) Identity() Identity { return s.id }

// MountRotationDeg returns the configured mount angle.
func (s *Session) MountRotationDeg() float64 { return s.cfg.MountRotationDeg }

// OnSample feeds one sample through the kind's geometry into the filter and
// publishes a snapshot when the snapshot interval has elapsed in sample time.
func (s *Session) OnSample(raw Sample) {
	if s.disconnected.Load() {
		return
	}
	s.lastSampleAt.Store(s.clock.Now().UnixNano())

	if s.resetPending.CompareAndSwap(true, false) {
		s.filter.Reset()
		s.lastPublished = time.Time{}
		s.slot.Store(nil)
	}

	g := s.id.Kind.Geometry
	sample := Sample{
		Time:   raw.Time,
		Gyro:   g.Apply(raw.Gyro),
		Accel:  g.Apply(raw.Accel),
		Mag:    g.Apply(raw.Mag),
		HasMag: raw.HasMag && s.id.Kind.HasMag,
	}
	s.filter.Push(sample)
	stats := s.filter.Stats()
	s.filterAnomaly.Store(stats.Anomalies)

	if stats.Accepted == 0 {
		return
	}
	if !s.lastPublished.IsZero() && sample.Time.Sub(s.lastPublished) < s.cfg.SnapshotInterval {
		return
	}
	s.publish(sample, stats.Anomalies)
}

func (s *Session) publish(sample Sample, anomalies uint64) {
	est := s.filter.Estimate()
	s.seq++
	s.lastPublished = sample.Time

	s.slot.Store(&Snapshot{
		Identity:    s.id,
		Rotation:    quat.Mul(est.Q, s.mount),
		LinearAccel: s.linearAccel(est.Q, sample.Accel),
		Battery:     s.Battery(),
		SampleTime:  sample.Time,
		Seq:         s.seq,
		Anomalies:   anomalies,
	})
}

// linearAccel removes gravity from a body-frame reading and turns the result
// by the mount angle about the vertical axis.
func (s *Session) linearAccel(q quat.Number, accel r3.Vec) r3.Vec {
	if !finite(accel) {
		return r3.Vec{}
	}
	up := r3.Rotation(quat.Conj(q)).Rotate(r3.Vec{Z: s.cfg.Filter.Gravity})
	lin := r3.Sub(accel, up)
	if s.cfg.MountRotationDeg == 0 {
		return lin
	}
	return r3.Rotation(s.mount).Rotate(lin)
}

// Snapshot returns the latest published snapshot, or false before the first
// sample has been accepted.
func (s *Session) Snapshot() (Snapshot, bool) {
	p := s.slot.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

// SetBattery records the battery level, clamped to [0, 1]. Non-finite
// levels are ignored.
func (s *Session) SetBattery(level float64) {
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return
	}
	level = math.Max(0, math.Min(1, level))
	s.battery.Store(math.Float64bits(level))
}

// Battery returns the last battery level or UnknownBattery.
func (s *Session) Battery() float64 {
	return math.Float64frombits(s.battery.Load())
}

// MarkDisconnected marks the device lost. Later samples are ignored.
func (s *Session) MarkDisconnected() {
	s.disconnected.Store(true)
}

// Disconnected reports whether the device has been marked lost.
func (s *Session) Disconnected() bool {
	return s.disconnected.Load()
}

// CheckLiveness marks the session disconnected when no sample has arrived
// for the device timeout. It returns true only on the call that performed
// the transition.
func (s *Session) CheckLiveness(now time.Time) bool {
	if s.cfg.DeviceTimeout <= 0 {
		return false
	}
	if now.Sub(s.LastSampleAt()) <= s.cfg.DeviceTimeout {
		return false
	}
	return s.disconnected.CompareAndSwap(false, true)
}

// LastSampleAt returns when the last sample arrived, by the session clock.
func (s *Session) LastSampleAt() time.Time {
	return time.Unix(0, s.lastSampleAt.Load())
}

// Reset asks the reader goroutine to restart the filter before the next
// sample. The current snapshot stays visible until then.
func (s *Session) Reset() {
	s.resetPending.Store(true)
}

// Anomalies returns the filter's anomaly count.
func (s *Session) Anomalies() uint64 {
	return s.filterAnomaly.Load()
}

func finite(v r3.Vec) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

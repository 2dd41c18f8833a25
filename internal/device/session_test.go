package device

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/trackerbridge/internal/fusion"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func stillSample(i int) Sample {
	return Sample{
		Time:  start.Add(time.Duration(i) * 10 * time.Millisecond),
		Accel: r3.Vec{Z: 9.81},
	}
}

func newTestSession(t *testing.T, kind Kind, mutate func(*SessionConfig)) (*Session, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(start)
	cfg := SessionConfig{
		Filter:        fusion.DefaultConfig(),
		DeviceTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSession(Identity{LocalIndex: 0, Serial: "J1", Kind: kind}, cfg, clock), clock
}

func TestSession_NoSnapshotBeforeFirstSample(t *testing.T) {
	s, _ := newTestSession(t, JoyConLeft, nil)
	_, ok := s.Snapshot()
	assert.False(t, ok)
}

func TestSession_PublishesSnapshot(t *testing.T) {
	s, _ := newTestSession(t, JoyConLeft, nil)
	s.OnSample(stillSample(0))

	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "J1", snap.Identity.Serial)
	assert.EqualValues(t, 1, snap.Seq)
	assert.InDelta(t, 1.0, snap.Rotation.Real, 1e-9)
	assert.Equal(t, UnknownBattery, snap.Battery)
	assert.True(t, snap.SampleTime.Equal(start))
	assert.InDelta(t, 0, r3.Norm(snap.LinearAccel), 1e-9)
}

func TestSession_ThrottlesSnapshotsBySampleTime(t *testing.T) {
	s, _ := newTestSession(t, JoyConLeft, func(c *SessionConfig) {
		c.SnapshotInterval = 50 * time.Millisecond
	})

	for i := 0; i < 100; i++ { // one second at 100 Hz
		s.OnSample(stillSample(i))
	}
	snap, ok := s.Snapshot()
	require.True(t, ok)
	// Published at 0, 50, 100, ... 950 ms.
	assert.EqualValues(t, 20, snap.Seq)
	assert.True(t, snap.SampleTime.Equal(start.Add(950*time.Millisecond)))
}

func TestSession_AppliesGeometry(t *testing.T) {
	s, _ := newTestSession(t, JoyConRight, func(c *SessionConfig) {
		c.Filter.Kp, c.Filter.Ki = 0, 0
	})
	s.OnSample(stillSample(0))
	for i := 1; i <= 100; i++ {
		sm := stillSample(i)
		sm.Gyro = r3.Vec{X: math.Pi / 2}
		s.OnSample(sm)
	}
	// Native +x is body -x on the right controller.
	snap, _ := s.Snapshot()
	roll, _, _ := EulerDeg(snap.Rotation)
	assert.InDelta(t, -90, roll, 1e-6)
}

func TestGeometry_IsProperRotation(t *testing.T) {
	for _, name := range KindNames() {
		k, err := KindByName(name)
		require.NoError(t, err)
		x := k.Geometry.Apply(r3.Vec{X: 1})
		y := k.Geometry.Apply(r3.Vec{Y: 1})
		z := k.Geometry.Apply(r3.Vec{Z: 1})
		assert.InDelta(t, 1.0, r3.Dot(r3.Cross(x, y), z), 1e-12, name)
	}
}

func TestKindByName(t *testing.T) {
	k, err := KindByName(" JoyCon-Left ")
	require.NoError(t, err)
	assert.Equal(t, JoyConLeft, k)

	_, err = KindByName("wiimote")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generic-imu")
}

func TestSession_MountRotation(t *testing.T) {
	s, _ := newTestSession(t, JoyConLeft, func(c *SessionConfig) {
		c.MountRotationDeg = 90
	})
	sm := stillSample(0)
	s.OnSample(sm)
	sm = stillSample(1)
	sm.Accel = r3.Vec{X: 1, Z: 9.81}
	s.OnSample(sm)

	snap, ok := s.Snapshot()
	require.True(t, ok)
	_, _, yaw := EulerDeg(snap.Rotation)
	assert.InDelta(t, 90, yaw, 0.1)

	// Forward acceleration turns with the mount.
	assert.InDelta(t, 0, snap.LinearAccel.X, 0.05)
	assert.InDelta(t, 1, snap.LinearAccel.Y, 0.05)
	assert.InDelta(t, 0, snap.LinearAccel.Z, 0.05)
	assert.Equal(t, 90.0, s.MountRotationDeg())
}

func TestMountRotation_ZeroIsIdentity(t *testing.T) {
	assert.Equal(t, quat.Number{Real: 1}, MountRotation(0))
	q := MountRotation(180)
	assert.InDelta(t, 0, q.Real, 1e-12)
	assert.InDelta(t, 1, q.Kmag, 1e-12)
}

func TestSession_Battery(t *testing.T) {
	s, _ := newTestSession(t, JoyConLeft, nil)
	assert.Equal(t, UnknownBattery, s.Battery())

	s.SetBattery(0.5)
	assert.Equal(t, 0.5, s.Battery())
	s.SetBattery(1.7)
	assert.Equal(t, 1.0, s.Battery())
	s.SetBattery(math.NaN())
	assert.Equal(t, 1.0, s.Battery())

	s.OnSample(stillSample(0))
	snap, _ := s.Snapshot()
	assert.Equal(t, 1.0, snap.Battery)
}

func TestSession_LivenessTransitionsOnce(t *testing.T) {
	s, clock := newTestSession(t, JoyConLeft, nil)
	s.OnSample(stillSample(0))

	clock.Advance(time.Second)
	assert.False(t, s.CheckLiveness(clock.Now()))

	clock.Advance(1500 * time.Millisecond)
	assert.True(t, s.CheckLiveness(clock.Now()))
	assert.True(t, s.Disconnected())

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		assert.False(t, s.CheckLiveness(clock.Now()), "transition must be reported once")
	}

	// A late sample does not revive the session.
	before, _ := s.Snapshot()
	s.OnSample(stillSample(1))
	after, _ := s.Snapshot()
	assert.Equal(t, before.Seq, after.Seq)
}

func TestSession_LivenessCountsFromCreation(t *testing.T) {
	s, clock := newTestSession(t, JoyConLeft, nil)
	clock.Advance(3 * time.Second)
	assert.True(t, s.CheckLiveness(clock.Now()))
}

func TestSession_MarkDisconnected(t *testing.T) {
	s, clock := newTestSession(t, JoyConLeft, nil)
	s.MarkDisconnected()
	assert.True(t, s.Disconnected())

	clock.Advance(time.Minute)
	assert.False(t, s.CheckLiveness(clock.Now()), "already disconnected")

	s.OnSample(stillSample(0))
	_, ok := s.Snapshot()
	assert.False(t, ok)
}

func TestSession_ResetRestartsFilterOnNextSample(t *testing.T) {
	s, _ := newTestSession(t, JoyConLeft, nil)
	for i := 0; i < 50; i++ {
		sm := stillSample(i)
		sm.Gyro = r3.Vec{Z: 1}
		s.OnSample(sm)
	}
	snap, _ := s.Snapshot()
	require.Less(t, snap.Rotation.Real, 0.99)

	s.Reset()
	still, ok := s.Snapshot()
	require.True(t, ok, "snapshot stays visible until the reader applies the reset")
	assert.Equal(t, snap.Seq, still.Seq)

	// Timestamps may restart after a re-bind.
	s.OnSample(stillSample(0))
	snap, ok = s.Snapshot()
	require.True(t, ok)
	assert.InDelta(t, 1.0, snap.Rotation.Real, 1e-9)
}

func TestSession_AnomaliesAreCounted(t *testing.T) {
	s, _ := newTestSession(t, JoyConLeft, nil)
	s.OnSample(stillSample(0))
	bad := stillSample(1)
	bad.Gyro = r3.Vec{Y: math.NaN()}
	s.OnSample(bad)

	assert.EqualValues(t, 1, s.Anomalies())
	snap, _ := s.Snapshot()
	assert.EqualValues(t, 1, snap.Anomalies)
	assert.False(t, quat.IsNaN(snap.Rotation))
}

// Two sessions written concurrently while a reader polls both: every
// snapshot read must be one that was fully written.
func TestSession_NoTornSnapshots(t *testing.T) {
	const n = 5000
	sessions := []*Session{}
	for i := 0; i < 2; i++ {
		s, _ := newTestSession(t, JoyConLeft, nil)
		sessions = append(sessions, s)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				sm := stillSample(i)
				sm.Gyro = r3.Vec{Z: 0.5}
				s.OnSample(sm)
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	reads := 0
	for {
		for _, s := range sessions {
			snap, ok := s.Snapshot()
			if !ok {
				continue
			}
			reads++
			want := start.Add(time.Duration(snap.Seq-1) * 10 * time.Millisecond)
			require.True(t, snap.SampleTime.Equal(want), "seq %d paired with time %v", snap.Seq, snap.SampleTime)
			require.InDelta(t, 1.0, quat.Abs(snap.Rotation), 1e-9)
		}
		select {
		case <-done:
			for _, s := range sessions {
				snap, ok := s.Snapshot()
				require.True(t, ok)
				assert.EqualValues(t, n, snap.Seq)
			}
			t.Logf("%d concurrent snapshot reads", reads)
			return
		default:
		}
	}
}

func TestEulerDeg(t *testing.T) {
	r, p, y := EulerDeg(quat.Number{Real: 1})
	assert.Equal(t, [3]float64{0, 0, 0}, [3]float64{r, p, y})

	half := math.Sqrt(0.5)
	r, p, y = EulerDeg(quat.Number{Real: half, Jmag: half})
	assert.InDelta(t, 0, r, 1e-9)
	assert.InDelta(t, 90, p, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)
}

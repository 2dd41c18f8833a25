package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/eventlog"
	"github.com/banshee-data/trackerbridge/internal/protocol"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runHarness struct {
	clock  *timeutil.MockClock
	srv    *fakeServer
	runner *Runner
	cancel context.CancelFunc
	done   chan error
}

func startRunner(t *testing.T, cfg Config, rcfg RunnerConfig, sink EventSink) (*runHarness, context.Context) {
	t.Helper()
	h := &runHarness{
		clock: timeutil.NewMockClock(start),
		srv:   newAckingServer(),
		done:  make(chan error, 1),
	}
	m := NewManager(cfg, h.srv, h.clock, nil)
	if sink != nil {
		m.SetEventSink(sink)
	}
	h.runner = NewRunner(m, h.srv, h.clock, rcfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.runner.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h, ctx
}

func (h *runHarness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err, ok := <-h.done:
		if ok {
			assert.NoError(t, err)
			close(h.done)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

// tickUntil advances the clock one emission interval at a time until cond
// holds.
func (h *runHarness) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.clock.Advance(50 * time.Millisecond)
		return cond()
	}, 2*time.Second, 2*time.Millisecond)
}

func stillSamples(n int) []device.Sample {
	out := make([]device.Sample, n)
	for i := range out {
		out[i] = stillAt(start.Add(time.Duration(i+1) * 10 * time.Millisecond))
	}
	return out
}

func TestRunner_StreamsAttachedDevice(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceTimeout = time.Minute
	pub := &recordingPublisher{}
	h, ctx := startRunner(t, cfg, RunnerConfig{StatusInterval: 100 * time.Millisecond, Status: pub}, nil)

	src := &sliceSource{samples: stillSamples(50)}
	s, err := h.runner.Attach(ctx, j1, src)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, j1, s.Identity())

	h.tickUntil(t, func() bool {
		return len(sentOf[*protocol.Rotation](h.srv)) > 0
	})
	rot := sentOf[*protocol.Rotation](h.srv)[0]
	assert.EqualValues(t, 1, rot.TrackerID)
	assert.InDelta(t, 1.0, rot.W, 1e-3)

	h.stop(t)
	assert.True(t, h.srv.isClosed(), "transport closed on shutdown")
	assert.True(t, src.isClosed(), "source closed on shutdown")
	assert.False(t, s.Disconnected(), "shutdown is not a device loss")

	rep, ok := pub.last()
	require.True(t, ok)
	d, ok := rep.Device("J1")
	require.True(t, ok)
	assert.Equal(t, "streaming", d.State)
}

func TestRunner_SourceEndDisconnectsDevice(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceTimeout = time.Minute
	sink := &recordingSink{}
	h, ctx := startRunner(t, cfg, RunnerConfig{}, sink)

	src := &sliceSource{samples: stillSamples(3), eof: true}
	s, err := h.runner.Attach(ctx, j1, src)
	require.NoError(t, err)

	require.Eventually(t, s.Disconnected, time.Second, time.Millisecond)
	require.Eventually(t, src.isClosed, time.Second, time.Millisecond)
	h.tickUntil(t, func() bool {
		for _, k := range sink.kinds() {
			if k == eventlog.KindDisconnect {
				return true
			}
		}
		return false
	})
	assert.Zero(t, h.runner.manager.Counters().Snapshot().DeviceTimeouts)
}

func TestRunner_LivenessTimeoutReleasesSource(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceTimeout = 100 * time.Millisecond
	h, ctx := startRunner(t, cfg, RunnerConfig{}, nil)

	// Stalls after its samples without ever ending.
	src := &sliceSource{samples: stillSamples(2)}
	s, err := h.runner.Attach(ctx, j1, src)
	require.NoError(t, err)

	h.tickUntil(t, src.isClosed)
	assert.True(t, s.Disconnected())
	assert.EqualValues(t, 1, h.runner.manager.Counters().Snapshot().DeviceTimeouts)
}

func TestRunner_ReattachReplacesSource(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceTimeout = time.Minute
	h, ctx := startRunner(t, cfg, RunnerConfig{}, nil)

	first := &sliceSource{samples: stillSamples(2)}
	s1, err := h.runner.Attach(ctx, j1, first)
	require.NoError(t, err)

	second := &sliceSource{samples: stillSamples(2)}
	s2, err := h.runner.Attach(ctx, j1, second)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	require.Eventually(t, first.isClosed, time.Second, time.Millisecond)
	assert.False(t, second.isClosed())
	assert.False(t, s1.Disconnected())

	h.stop(t)
	assert.True(t, second.isClosed())
}

func TestRunner_AttachAfterStop(t *testing.T) {
	h, _ := startRunner(t, testConfig(), RunnerConfig{}, nil)
	h.stop(t)

	_, err := h.runner.Attach(context.Background(), j1, &sliceSource{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunner_AttachHonoursContext(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	srv := newAckingServer()
	r := NewRunner(NewManager(testConfig(), srv, clock, nil), srv, clock, RunnerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Attach(ctx, j1, &sliceSource{})
	assert.ErrorIs(t, err, context.Canceled)
}
